// Package discovery advertises the vision node and the controller over mDNS
// and resolves the controller's telemetry address when none is configured.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/version"
)

const (
	// Domain is the mDNS domain every record is published under.
	Domain = "local."
	// VisionService is the service type of a vision node.
	VisionService = "_shrecvision._udp"
	// ControllerService is the service type of a controller peer.
	ControllerService = "_shrecctl._udp"
)

// ErrNotFound is returned when a lookup ends without a usable entry.
var ErrNotFound = errors.New("discovery: no service found")

// Info is the metadata published in TXT records.
type Info struct {
	Role  string
	Codec string
	Mode  string
}

// TXT renders the info as key=value records. Empty fields are left out.
func (i Info) TXT() []string {
	txt := []string{"version=" + version.Version}
	if i.Role != "" {
		txt = append(txt, "role="+i.Role)
	}
	if i.Codec != "" {
		txt = append(txt, "codec="+i.Codec)
	}
	if i.Mode != "" {
		txt = append(txt, "mode="+i.Mode)
	}
	return txt
}

// ParseTXT reads key=value records. Records without '=' are ignored.
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, rec := range txt {
		k, v, ok := strings.Cut(rec, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Advertiser publishes one service instance until stopped.
type Advertiser struct {
	Instance string
	Service  string
	Port     int
	Info     Info

	register registerFunc

	mu      sync.Mutex
	server  *zeroconf.Server
	running bool
}

// NewAdvertiser creates an Advertiser for the given service type.
func NewAdvertiser(instance, service string, port int, info Info) *Advertiser {
	return &Advertiser{
		Instance: instance,
		Service:  service,
		Port:     port,
		Info:     info,
		register: zeroconf.Register,
	}
}

// Start registers the service on every interface.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", a.Port)
	}

	server, err := a.register(a.Instance, a.Service, Domain, a.Port, a.Info.TXT(), nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", a.Service, err)
	}
	a.server = server
	a.running = true
	monitoring.Logf("discovery: advertising %s.%s%s on port %d", a.Instance, a.Service, Domain, a.Port)
	return nil
}

// Running reports whether the service is registered.
func (a *Advertiser) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Stop withdraws the service.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.running = false
	monitoring.Logf("discovery: stopped advertising %s", a.Service)
}

// Entry is one resolved service instance.
type Entry struct {
	Instance string
	Addr     string
	Info     map[string]string
}

// entryFromService converts a zeroconf entry, preferring IPv4. It reports
// false when the entry carries no address.
func entryFromService(se *zeroconf.ServiceEntry) (Entry, bool) {
	if se == nil || se.Port <= 0 {
		return Entry{}, false
	}
	var ip net.IP
	switch {
	case len(se.AddrIPv4) > 0:
		ip = se.AddrIPv4[0]
	case len(se.AddrIPv6) > 0:
		ip = se.AddrIPv6[0]
	default:
		return Entry{}, false
	}
	return Entry{
		Instance: se.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(se.Port)),
		Info:     ParseTXT(se.Text),
	}, true
}

// Browser finds service instances.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Lookup returns the first instance of service that answers within timeout.
func Lookup(ctx context.Context, b Browser, service string, timeout time.Duration) (Entry, error) {
	if b == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Entry{}, fmt.Errorf("discovery: resolver: %w", err)
		}
		b = r
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := b.Browse(ctx, service, Domain, entries); err != nil {
		return Entry{}, fmt.Errorf("discovery: browse %s: %w", service, err)
	}

	for {
		select {
		case <-ctx.Done():
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, service)
		case se, ok := <-entries:
			if !ok {
				return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, service)
			}
			if e, ok := entryFromService(se); ok {
				monitoring.Debugf("discovery: found %s at %s", e.Instance, e.Addr)
				return e, nil
			}
		}
	}
}

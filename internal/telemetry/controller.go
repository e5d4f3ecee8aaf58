package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shrec5450/shrecvision/internal/monitoring"
)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Address to bind, e.g. ":5800".
	Address string
	Codec   Codec
	// Mode is the digit sent back with every reply.
	Mode Mode
	// PollInterval bounds each read so cancellation is noticed.
	PollInterval time.Duration
	Factory      SocketFactory
	// OnValue, if set, is called with every decoded value.
	OnValue func(Value, *net.UDPAddr)
}

// Controller is the controller half of the link: it receives telemetry
// values and answers each datagram with the commanded mode digit.
type Controller struct {
	cfg ControllerConfig

	mu        sync.Mutex
	mode      Mode
	last      Value
	peer      *net.UDPAddr
	received  uint64
	malformed uint64
	local     net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Codec == nil {
		cfg.Codec = AngleCodec{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	return &Controller{
		cfg:   cfg,
		mode:  cfg.Mode,
		last:  Value{Kind: KindAngle},
		ready: make(chan struct{}),
	}
}

// SetMode changes the digit sent with subsequent replies.
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Mode returns the commanded mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Last returns the last successfully decoded value and its sender.
func (c *Controller) Last() (Value, *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.peer
}

// Counts returns the number of datagrams received and how many of them
// failed to decode.
func (c *Controller) Counts() (received, malformed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received, c.malformed
}

// Ready is closed once the socket is bound.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// LocalAddr returns the bound address, or nil before Ready.
func (c *Controller) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Run binds the socket and serves until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.cfg.Address, err)
	}
	sock, err := c.cfg.Factory.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", c.cfg.Address, err)
	}
	defer sock.Close()

	c.mu.Lock()
	c.local = sock.LocalAddr()
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	monitoring.Logf("controller: listening on %v", sock.LocalAddr())

	buf := make([]byte, BufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := sock.SetReadDeadline(time.Now().Add(c.cfg.PollInterval)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("controller: receive: %v", err)
			continue
		}
		c.handle(buf[:n], from)

		if from == nil {
			continue
		}
		reply := []byte{c.Mode().Digit()}
		if _, err := sock.WriteToUDP(reply, from); err != nil {
			monitoring.Logf("controller: reply to %v: %v", from, err)
		}
	}
}

func (c *Controller) handle(payload []byte, from *net.UDPAddr) {
	v, err := c.cfg.Codec.Decode(payload)

	c.mu.Lock()
	c.received++
	if err != nil {
		// keep the previous value
		c.malformed++
		c.mu.Unlock()
		monitoring.Debugf("controller: %v", err)
		return
	}
	c.last = v
	c.peer = from
	c.mu.Unlock()

	if c.cfg.OnValue != nil {
		c.cfg.OnValue(v, from)
	}
}

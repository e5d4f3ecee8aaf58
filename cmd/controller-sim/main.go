// Command controller-sim plays the controller half of the telemetry link. It
// binds the well-known port, prints every value the vision node sends and
// answers with the commanded mode digit. Type a mode (idle, tracking_a,
// tracking_b, disabled or its digit) on stdin to change it.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shrec5450/shrecvision/internal/discovery"
	"github.com/shrec5450/shrecvision/internal/telemetry"
)

var (
	listen    = flag.String("listen", ":5800", "UDP address to bind")
	codecName = flag.String("codec", "angle", "Payload codec: angle or positional")
	modeName  = flag.String("mode", "tracking_a", "Initial commanded mode")
	cycle     = flag.Duration("cycle", 0, "Rotate through tracking_a, tracking_b and idle at this interval (0 disables)")
	advertise = flag.Bool("mdns", false, "Advertise the controller over mDNS")
	quiet     = flag.Bool("quiet", false, "Do not print every received value")
)

func main() {
	flag.Parse()

	codec, err := telemetry.NewCodec(*codecName)
	if err != nil {
		log.Fatalf("invalid codec: %v", err)
	}
	mode, err := telemetry.ParseMode(*modeName)
	if err != nil {
		log.Fatalf("invalid mode: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := telemetry.NewController(telemetry.ControllerConfig{
		Address: *listen,
		Codec:   codec,
		Mode:    mode,
		OnValue: func(v telemetry.Value, from *net.UDPAddr) {
			if !*quiet {
				log.Printf("%s: %s", from, formatValue(v))
			}
		},
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := ctrl.Run(ctx); err != nil {
			log.Printf("controller stopped: %v", err)
		}
	}()

	select {
	case <-ctrl.Ready():
		log.Printf("controller listening on %s, commanding %s", ctrl.LocalAddr(), mode)
	case <-ctx.Done():
		wg.Wait()
		return
	}

	if *advertise {
		if udp, ok := ctrl.LocalAddr().(*net.UDPAddr); ok {
			adv := discovery.NewAdvertiser("controller", discovery.ControllerService, udp.Port, discovery.Info{
				Codec: codec.Name(),
				Mode:  mode.String(),
			})
			if err := adv.Start(); err != nil {
				log.Printf("mDNS advertisement failed: %v", err)
			} else {
				defer adv.Stop()
			}
		}
	}

	if *cycle > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cycleModes(ctx, ctrl, *cycle)
		}()
	}

	// stdin is never closed under a terminal, so this goroutine is not
	// waited on
	go readModes(os.Stdin, ctrl)

	<-ctx.Done()
	wg.Wait()
	received, malformed := ctrl.Counts()
	log.Printf("received %d datagrams (%d malformed)", received, malformed)
}

func formatValue(v telemetry.Value) string {
	var codec telemetry.Codec = telemetry.AngleCodec{}
	if v.Kind == telemetry.KindPosition {
		codec = telemetry.PositionalCodec{}
	}
	b, err := codec.Encode(v)
	if err != nil {
		return err.Error()
	}
	return strings.TrimSuffix(string(b), "!")
}

var cycleOrder = []telemetry.Mode{telemetry.ModeTrackingA, telemetry.ModeTrackingB, telemetry.ModeIdle}

func cycleModes(ctx context.Context, ctrl *telemetry.Controller, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := cycleOrder[i%len(cycleOrder)]
			ctrl.SetMode(m)
			log.Printf("commanding %s", m)
		}
	}
}

type modeSetter interface {
	SetMode(telemetry.Mode)
}

func readModes(f *os.File, ctrl modeSetter) {
	scanModes(bufio.NewScanner(f), ctrl)
}

func scanModes(sc *bufio.Scanner, ctrl modeSetter) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m, err := telemetry.ParseMode(line)
		if err != nil {
			log.Printf("%v", err)
			continue
		}
		ctrl.SetMode(m)
		log.Printf("commanding %s", m)
	}
}

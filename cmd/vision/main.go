package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shrec5450/shrecvision/internal/config"
	"github.com/shrec5450/shrecvision/internal/discovery"
	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/health"
	"github.com/shrec5450/shrecvision/internal/measure"
	"github.com/shrec5450/shrecvision/internal/monitor"
	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/target"
	"github.com/shrec5450/shrecvision/internal/telemetry"
	"github.com/shrec5450/shrecvision/internal/timeutil"
	"github.com/shrec5450/shrecvision/internal/version"
	"github.com/shrec5450/shrecvision/internal/vision"
)

var (
	configPath  = flag.String("config", "config/vision.defaults.json", "Path to the JSON configuration file")
	devMode     = flag.Bool("dev", false, "Use synthetic frames and an in-process controller on loopback")
	verbose     = flag.Bool("verbose", false, "Log every tick and frame")
	showVersion = flag.Bool("version", false, "Print the version and exit")
	debugListen = flag.String("listen", "", "Override the debug HTTP listen address")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *debugListen != "" {
		cfg.DebugListen = debugListen
	}
	log.Printf("shrecvision %s starting (config %s)", version.String(), *configPath)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	defer bus.Close()

	mode := telemetry.NewModeState(telemetry.ModeIdle)
	mode.OnChange(bus.ModeChanged)
	kind := cfg.GetValueKind()
	value := telemetry.NewValueStore(kind)
	selector := target.NewSelector(cfg.GetThresholds(), cfg.GetRanking())

	peer := cfg.GetPeerAddress()
	if *devMode {
		ctrl := telemetry.NewController(telemetry.ControllerConfig{
			Address: "127.0.0.1:0",
			Codec:   cfg.GetCodec(),
			Mode:    telemetry.ModeTrackingA,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctrl.Run(ctx); err != nil {
				log.Printf("dev controller stopped: %v", err)
			}
		}()
		select {
		case <-ctrl.Ready():
		case <-ctx.Done():
			return
		}
		peer = ctrl.LocalAddr().String()
		log.Printf("dev mode: in-process controller on %s", peer)
	} else if peer == "" && cfg.GetMDNSEnabled() {
		entry, err := discovery.Lookup(ctx, nil, discovery.ControllerService, 10*time.Second)
		if err != nil {
			log.Fatalf("failed to discover controller: %v", err)
		}
		peer = entry.Addr
		log.Printf("discovered controller %s at %s", entry.Instance, peer)
	}

	clock := timeutil.RealClock{}
	connInit, connMax := cfg.GetConnectBackoff()
	reconnInit, reconnMax := cfg.GetReconnectBackoff()
	engine := telemetry.NewEngine(telemetry.EngineConfig{
		PeerAddress:        peer,
		LocalAddress:       cfg.GetLocalAddress(),
		Role:               cfg.GetRole(),
		Codec:              cfg.GetCodec(),
		ResponseTimeout:    cfg.GetResponseTimeout(),
		TickInterval:       cfg.GetTickInterval(),
		MaxTransientErrors: cfg.GetMaxTransientErrors(),
		Strict:             cfg.GetStrict(),
		ConnectBackoff:     timeutil.NewBackoff(clock, connInit, connMax),
		ReconnectBackoff:   timeutil.NewBackoff(clock, reconnInit, reconnMax),
		Mode:               mode,
		Value:              value,
		Clock:              clock,
		Observer:           bus,
	})

	measurer, err := measure.New(kind, cfg.GetCamera(), cfg.GetCalibration(),
		measure.WithTargetWidth(cfg.GetTargetWidth()),
		measure.WithFilter(cfg.GetFilter()))
	if err != nil {
		log.Fatalf("failed to build measurement engine: %v", err)
	}

	var opener vision.SourceOpener
	var filter vision.ShapeFilter
	if *devMode {
		cam := cfg.GetCamera()
		opener = vision.SyntheticOpener{Width: cam.FrameWidth, Height: cam.FrameHeight, Seed: time.Now().UnixNano()}
		filter = vision.SyntheticFilter{}
	} else {
		opener = vision.CameraOpener{Source: cfg.GetCameraSource()}
		filter = vision.HSVFilter{MorphKernel: cfg.GetMorphKernel()}
	}
	reopenInit, reopenMax := cfg.GetReopenBackoff()
	processor, err := vision.NewProcessor(vision.Config{
		Opener:        opener,
		Filter:        filter,
		Selector:      selector,
		Measurer:      measurer,
		Mode:          mode,
		Value:         value,
		Profiles:      vision.Profiles(cfg.GetProfiles()),
		FrameInterval: cfg.GetFrameInterval(),
		ReopenBackoff: timeutil.NewBackoff(clock, reopenInit, reopenMax),
		FrameWidth:    cfg.GetCamera().FrameWidth,
		Clock:         clock,
		Publisher:     bus,
	})
	if err != nil {
		log.Fatalf("failed to build processor: %v", err)
	}

	history := monitor.NewHistory(cfg.GetHistorySize())
	healthSvc := health.NewService()

	// subscribers first so the opening transitions are not missed
	wg.Add(2)
	go func() {
		defer wg.Done()
		history.Follow(ctx, bus)
	}()
	go func() {
		defer wg.Done()
		healthSvc.Follow(ctx, bus)
	}()

	// the telemetry link and the frame loop share one lifetime: a halt from
	// the controller ends both, and so does a strict connect failure
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancelRun()
		if err := engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("telemetry link stopped: %v", err)
		}
		log.Print("telemetry routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancelRun()
		if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("processing loop stopped: %v", err)
		}
		log.Print("processing routine terminated")
	}()

	if path := cfg.GetPreferencesPath(); path != "" {
		poller := target.NewPoller(target.PreferencesFile{Path: path}, selector, cfg.GetPreferencesInterval(), clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(runCtx)
		}()
	}

	if addr := cfg.GetHealthListen(); addr != "" {
		if err := healthSvc.Start(addr); err != nil {
			log.Printf("health service disabled: %v", err)
		} else {
			defer healthSvc.Stop()
		}
	}

	if cfg.GetMDNSEnabled() {
		if port, err := advertisedPort(cfg.GetLocalAddress()); err != nil {
			log.Printf("mDNS advertisement skipped: %v", err)
		} else {
			adv := discovery.NewAdvertiser(cfg.GetMDNSInstance(), discovery.VisionService, port, discovery.Info{
				Role:  cfg.GetRole().String(),
				Codec: cfg.GetCodec().Name(),
			})
			if err := adv.Start(); err != nil {
				log.Printf("mDNS advertisement failed: %v", err)
			} else {
				defer adv.Stop()
			}
		}
	}

	if addr := cfg.GetDebugListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			monitor.NewServer(monitor.Config{
				Link:      engine,
				Frames:    processor,
				Mode:      mode,
				Value:     value,
				Selector:  selector,
				History:   history,
				Bus:       bus,
				StartTime: time.Now(),
			}).AttachAdminRoutes(mux)
			serveHTTP(runCtx, addr, mux)
		}()
	}

	<-runCtx.Done()
	if mode.Halted() {
		log.Print("controller disabled the vision node")
	}
	stop()
	bus.Close()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// advertisedPort extracts a fixed port from a bind address.
func advertisedPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("local address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("local address %q has no fixed port", addr)
	}
	return port, nil
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("debug server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}

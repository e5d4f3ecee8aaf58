// Package health exposes the standard gRPC health service for the vision
// node. The link service follows the telemetry session state; the frames
// service follows the camera source.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/shrec5450/shrecvision/internal/events"
	"github.com/shrec5450/shrecvision/internal/monitoring"
	"github.com/shrec5450/shrecvision/internal/telemetry"
)

// Service names reported by the health server. The empty name is the node as
// a whole.
const (
	ServiceNode   = ""
	ServiceLink   = "shrecvision.telemetry"
	ServiceFrames = "shrecvision.vision"
)

// Service tracks component health and serves it over gRPC.
type Service struct {
	hs *health.Server

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewService creates a Service. The node reports SERVING; the link and the
// frame source start NOT_SERVING until they report in.
func NewService() *Service {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceNode, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceLink, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceFrames, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Service{hs: hs}
}

// Server returns the underlying health implementation.
func (s *Service) Server() *health.Server { return s.hs }

// StateChanged implements telemetry.Observer.
func (s *Service) StateChanged(t telemetry.Transition) {
	s.setLink(t.To)
}

func (s *Service) setLink(st telemetry.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == telemetry.StateActive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus(ServiceLink, status)
}

// Record folds one bus event into the served statuses.
func (s *Service) Record(e events.Event) {
	switch e.Kind {
	case events.KindState:
		if e.State != nil {
			s.setLink(e.State.To)
		}
	case events.KindMeasurement, events.KindNoTarget:
		s.hs.SetServingStatus(ServiceFrames, healthpb.HealthCheckResponse_SERVING)
	case events.KindSourceError:
		s.hs.SetServingStatus(ServiceFrames, healthpb.HealthCheckResponse_NOT_SERVING)
	case events.KindMode:
		if e.Mode != nil && e.Mode.To == telemetry.ModeDisabled {
			s.hs.SetServingStatus(ServiceLink, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

// Follow records bus events until ctx ends or the bus closes.
func (s *Service) Follow(ctx context.Context, bus *events.Bus) {
	id, ch := bus.Subscribe(0)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.Record(e)
		}
	}
}

// Start binds addr and serves the health service in the background.
func (s *Service) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return fmt.Errorf("health service already running")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.hs)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("health: gRPC health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("health: serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Service) Stop() {
	s.hs.Shutdown()
	if !s.running.Load() {
		return
	}
	s.running.Store(false)

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	srv.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("health: gRPC health service stopped")
}

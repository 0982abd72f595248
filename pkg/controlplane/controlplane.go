// Package controlplane exposes the runtime over gRPC for operators: the
// standard grpc.health.v1 service with one named status per registered
// component, plus server reflection for grpcurl-style debugging. Component
// health is polled from registered checks on a ticker; the empty service
// name carries the aggregate status.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// DefaultCheckInterval is how often component health checks run.
const DefaultCheckInterval = 5 * time.Second

// HealthCheck probes one component. A non-nil error marks the component
// NOT_SERVING.
type HealthCheck func(ctx context.Context) error

// Server is the runtime's gRPC control plane.
type Server struct {
	port          int
	checkInterval time.Duration
	checkTimeout  time.Duration
	logger        *slog.Logger

	mu           sync.RWMutex
	checks       map[string]HealthCheck
	grpcServer   *grpc.Server
	listener     net.Listener
	healthServer *health.Server
	started      bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// Option configures the server.
type Option func(*Server)

// WithCheckInterval overrides how often registered checks are polled.
func WithCheckInterval(interval time.Duration) Option {
	return func(s *Server) { s.checkInterval = interval }
}

// WithCheckTimeout bounds each individual health check call.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(s *Server) { s.checkTimeout = timeout }
}

// NewServer builds a control plane server on the given port. Port 0 picks
// an ephemeral port, readable from Port after Start.
func NewServer(port int, opts ...Option) (*Server, error) {
	if port < 0 || port > 65535 {
		return nil, rl.ErrInvalidConfiguration("port", port,
			"control plane port must be between 0 and 65535")
	}

	s := &Server{
		port:          port,
		checkInterval: DefaultCheckInterval,
		checkTimeout:  2 * time.Second,
		checks:        make(map[string]HealthCheck),
		logger:        slog.Default().With("component", "control-plane"),
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.checkInterval <= 0 {
		return nil, rl.ErrInvalidConfiguration("check_interval", s.checkInterval,
			"check interval must be positive")
	}
	if s.checkTimeout <= 0 {
		return nil, rl.ErrInvalidConfiguration("check_timeout", s.checkTimeout,
			"check timeout must be positive")
	}
	return s, nil
}

// RegisterCheck adds a named component check. Components registered after
// Start are picked up on the next poll.
func (s *Server) RegisterCheck(name string, check HealthCheck) error {
	if name == "" || check == nil {
		return rl.ErrInvalidConfiguration("check", name,
			"health checks need a non-empty name and a non-nil function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[name]; exists {
		return rl.ErrInvalidConfiguration("check", name,
			fmt.Sprintf("health check %q is already registered", name))
	}
	s.checks[name] = check

	// New components show up as SERVICE_UNKNOWN until the first poll.
	if s.healthServer != nil {
		s.healthServer.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
	}
	return nil
}

// Start begins serving. The health checker stops when ctx is cancelled or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("control plane already started")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.grpcServer = grpc.NewServer()
	s.healthServer = health.NewServer()
	s.started = true

	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	reflection.Register(s.grpcServer)

	for name := range s.checks {
		s.healthServer.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
	}
	s.mu.Unlock()

	go s.healthChecker(ctx)

	go func() {
		s.logger.Info("control plane listening", "addr", listener.Addr().String())
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("control plane serve error", "error", err)
		}
	}()
	return nil
}

// Port returns the port actually bound, which differs from the configured
// one when port 0 requested an ephemeral port.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().(*net.TCPAddr).Port
	}
	return s.port
}

// Stop drains in-flight RPCs and shuts the server down. Safe to call more
// than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })

	s.mu.RLock()
	grpcServer := s.grpcServer
	s.mu.RUnlock()
	if grpcServer == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		grpcServer.Stop()
		return ctx.Err()
	}
}

// healthChecker polls registered checks and pushes their statuses into the
// gRPC health service.
func (s *Server) healthChecker(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.updateStatuses(ctx)
	for {
		select {
		case <-ctx.Done():
			s.markNotServing()
			return
		case <-s.stopChan:
			s.markNotServing()
			return
		case <-ticker.C:
			s.updateStatuses(ctx)
		}
	}
}

func (s *Server) updateStatuses(ctx context.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	healthServer := s.healthServer
	s.mu.RUnlock()

	if healthServer == nil {
		return
	}

	sort.Strings(names)
	allServing := true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		err := checks[name](checkCtx)
		cancel()

		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			allServing = false
			s.logger.Warn("component health check failed", "check", name, "error", err)
		}
		healthServer.SetServingStatus(name, status)
	}

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if !allServing {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	healthServer.SetServingStatus("", overall)
}

func (s *Server) markNotServing() {
	s.mu.RLock()
	healthServer := s.healthServer
	s.mu.RUnlock()
	if healthServer != nil {
		healthServer.Shutdown()
	}
}

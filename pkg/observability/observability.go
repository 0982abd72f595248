// Package observability wires the runtime's trace and metrics exports: an
// OpenTelemetry tracer provider for the loop spans and an HTTP server
// exposing /metrics, /health and /ready.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// Trace exporter names accepted by Config.TraceExporter.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// Config holds observability configuration.
type Config struct {
	// ServiceName identifies this runtime in exported spans
	ServiceName string

	// ServiceVersion is the runtime version stamped on spans
	ServiceVersion string

	// MetricsAddr is the listen address for the metrics/health HTTP
	// server. Empty disables the server.
	MetricsAddr string

	// TraceExporter selects the span exporter: "none" disables tracing,
	// "stdout" pretty-prints spans for development.
	TraceExporter string
}

// ReadinessCheck reports whether the runtime is ready to serve. A non-nil
// error marks /ready as unavailable.
type ReadinessCheck func(ctx context.Context) error

// Manager owns the tracer provider and the metrics HTTP server.
type Manager struct {
	config       Config
	gatherer     prometheus.Gatherer
	readiness    ReadinessCheck
	logger       *slog.Logger
	shutdownOnce sync.Once

	mu             sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	listener       net.Listener
}

// Option configures a Manager.
type Option func(*Manager)

// WithGatherer sets the Prometheus gatherer served at /metrics. Required
// when MetricsAddr is set.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(m *Manager) { m.gatherer = g }
}

// WithReadinessCheck sets the probe behind /ready. Without one the
// endpoint always reports ready.
func WithReadinessCheck(check ReadinessCheck) Option {
	return func(m *Manager) { m.readiness = check }
}

// NewManager validates the config and builds a manager. Nothing listens
// or exports until Start.
func NewManager(config Config, opts ...Option) (*Manager, error) {
	if config.ServiceName == "" {
		config.ServiceName = "rl-runtime"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "dev"
	}
	if config.TraceExporter == "" {
		config.TraceExporter = TraceExporterNone
	}
	if config.TraceExporter != TraceExporterNone && config.TraceExporter != TraceExporterStdout {
		return nil, rl.ErrInvalidConfiguration("trace_exporter", config.TraceExporter,
			"trace exporter must be one of: none, stdout")
	}

	m := &Manager{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if config.MetricsAddr != "" && m.gatherer == nil {
		return nil, rl.ErrInvalidConfiguration("metrics_addr", config.MetricsAddr,
			"a metrics server needs a Prometheus gatherer; pass WithGatherer")
	}
	return m, nil
}

// Start initializes tracing and starts the HTTP server.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("initializing observability",
		"service_name", m.config.ServiceName,
		"service_version", m.config.ServiceVersion,
		"metrics_addr", m.config.MetricsAddr,
		"trace_exporter", m.config.TraceExporter)

	if m.config.TraceExporter != TraceExporterNone {
		if err := m.initTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.logger.Info("tracing initialized", "exporter", m.config.TraceExporter)
	}

	if m.config.MetricsAddr != "" {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func (m *Manager) initTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	m.mu.Lock()
	m.tracerProvider = provider
	m.mu.Unlock()
	return nil
}

// GetTracer returns a tracer from the global provider.
func (m *Manager) GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func (m *Manager) startMetricsServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if m.readiness != nil {
			if err := m.readiness(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"not ready","error":%q}`, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Listen synchronously so Start surfaces bind errors and tests can
	// use a :0 address.
	listener, err := net.Listen("tcp", m.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.MetricsAddr, err)
	}

	m.mu.Lock()
	m.metricsServer = server
	m.listener = listener
	m.mu.Unlock()

	go func() {
		m.logger.Info("metrics server listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address of the metrics server, or empty before
// Start (or when the server is disabled).
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Shutdown stops the HTTP server and flushes the tracer provider. Safe to
// call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		server := m.metricsServer
		provider := m.tracerProvider
		m.mu.Unlock()

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown metrics server", "error", err)
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
			cancel()
		}

		if provider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := provider.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown tracer provider", "error", err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
				}
			}
			cancel()
		}
	})
	return shutdownErr
}

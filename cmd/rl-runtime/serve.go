package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/allenwang28/monarch-rl-examples/pkg/buffer"
	"github.com/allenwang28/monarch-rl-examples/pkg/config"
	"github.com/allenwang28/monarch-rl-examples/pkg/controlplane"
	"github.com/allenwang28/monarch-rl-examples/pkg/events"
	"github.com/allenwang28/monarch-rl-examples/pkg/journal"
	"github.com/allenwang28/monarch-rl-examples/pkg/loop"
	"github.com/allenwang28/monarch-rl-examples/pkg/metrics"
	"github.com/allenwang28/monarch-rl-examples/pkg/observability"
	"github.com/allenwang28/monarch-rl-examples/pkg/placement"
	"github.com/allenwang28/monarch-rl-examples/pkg/registry"
	"github.com/allenwang28/monarch-rl-examples/pkg/replica"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
	"github.com/allenwang28/monarch-rl-examples/pkg/staging"
	"github.com/allenwang28/monarch-rl-examples/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the training and rollout loops",
	Long: `Start the full runtime: spawn the simulated generation workers,
wire the staging channel, replica router and trajectory buffer, then run
the training loop and rollout loops until SIGINT/SIGTERM.`,
	RunE: runServe,
}

var serveFlags struct {
	metricsAddr string
	grpcPort    int
	debug       bool
	trace       bool
	replicas    int
	sink        string
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.grpcPort, "grpc-port", 0, "Control plane gRPC port (enables the control plane)")
	serveCmd.Flags().BoolVar(&serveFlags.debug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveFlags.trace, "trace", false, "Export traces to stdout")
	serveCmd.Flags().IntVar(&serveFlags.replicas, "replicas", 0, "Number of generation workers (overrides config)")
	serveCmd.Flags().StringVar(&serveFlags.sink, "sink", "", "Event sink: none, log or nats (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeOverrides layers explicitly-set flags over the loaded config.
// Only flags the user passed win, so config files keep their say.
func applyServeOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = serveFlags.metricsAddr
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.ControlPlane.Enabled = true
		cfg.ControlPlane.Port = serveFlags.grpcPort
	}
	if serveFlags.debug {
		cfg.Runtime.LogLevel = "debug"
	}
	if serveFlags.trace {
		cfg.Observability.TraceExporter = observability.TraceExporterStdout
	}
	if cmd.Flags().Changed("replicas") {
		cfg.Placement.Workers = serveFlags.replicas
	}
	if cmd.Flags().Changed("sink") {
		switch serveFlags.sink {
		case "none":
			cfg.Events.Log = false
			cfg.Events.NATS.Enabled = false
		case "log":
			cfg.Events.Log = true
			cfg.Events.NATS.Enabled = false
		case "nats":
			cfg.Events.NATS.Enabled = true
		default:
			return rl.ErrInvalidConfiguration("sink", serveFlags.sink,
				"sink must be one of: none, log, nats")
		}
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeOverrides(cmd, cfg); err != nil {
		return err
	}
	if err := setupLogging(cfg.Runtime); err != nil {
		return err
	}
	log := slog.Default()

	// The registry owns shutdown for everything closable: entries close in
	// reverse creation order, so sinks outlive the components feeding them.
	reg := registry.New()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := reg.Close(ctx); err != nil {
			log.Error("component shutdown reported errors", "error", err)
		}
	}()

	collector, err := registry.Attach(reg, "metrics-collector", func() (*metrics.PrometheusCollector, error) {
		return metrics.NewPrometheusCollector("rl_runtime"), nil
	})
	if err != nil {
		return err
	}

	publisher, eventJournal, err := buildPublisher(reg, cfg)
	if err != nil {
		return err
	}

	// The store is its own registry entry so it outlives the channel during
	// teardown; a Redis-backed store closes its connection pool there.
	store, err := registry.Attach(reg, "staging-store", func() (staging.RegionStore, error) {
		return buildRegionStore(cfg.Staging)
	})
	if err != nil {
		return err
	}

	channel, err := registry.Attach(reg, "staging-channel", func() (*staging.Channel, error) {
		return staging.NewChannel(
			staging.WithStore(store),
			staging.WithTransferTimeout(cfg.Staging.TransferTimeout.Std()),
			staging.WithOwner(cfg.Runtime.Name),
			staging.WithMetrics(collector),
			staging.WithEvents(publisher),
		)
	})
	if err != nil {
		return err
	}

	tracker, err := registry.Attach(reg, "replica-tracker", func() (*replica.Tracker, error) {
		return replica.NewTracker(
			replica.WithThresholds(replica.Thresholds{
				SuspectAfter:   cfg.Replica.SuspectAfter,
				UnhealthyAfter: cfg.Replica.UnhealthyAfter,
			}),
			replica.WithTrackerMetrics(collector),
			replica.WithTrackerEvents(publisher),
		)
	})
	if err != nil {
		return err
	}

	router, err := registry.Attach(reg, "replica-router", func() (*replica.Router, error) {
		return replica.NewRouter(tracker,
			replica.WithCallTimeout(cfg.Replica.CallTimeout.Std()),
			replica.WithRouterMetrics(collector),
			replica.WithRouterEvents(publisher),
		)
	})
	if err != nil {
		return err
	}

	stalenessBound := 1
	if cfg.Buffer.StalenessBound != nil {
		stalenessBound = *cfg.Buffer.StalenessBound
	}
	buf, err := registry.Attach(reg, "trajectory-buffer", func() (*buffer.Buffer, error) {
		return buffer.New(cfg.Buffer.Capacity, channel.CurrentVersion,
			buffer.WithStalenessBound(stalenessBound),
			buffer.WithSampleTimeout(cfg.Buffer.SampleTimeout.Std()),
			buffer.WithMetrics(collector),
			buffer.WithEvents(publisher),
		)
	})
	if err != nil {
		return err
	}

	manager, err := placement.NewManager(tracker,
		func(ctx context.Context, id string) (worker.Generator, error) {
			return worker.NewSimGenerator(id,
				worker.WithLatency(cfg.Placement.WorkerLatency.Std())), nil
		},
		placement.WithProbeInterval(cfg.Placement.ProbeInterval.Std()),
		placement.WithProbeTimeout(cfg.Placement.ProbeTimeout.Std()),
		placement.WithRestartBackoff(cfg.Placement.RestartBackoff.Std(), cfg.Placement.MaxRestartBackoff.Std()),
		placement.WithMaxRestarts(cfg.Placement.MaxRestarts),
		placement.WithManagerMetrics(collector),
		placement.WithManagerEvents(publisher),
	)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	for i := 0; i < cfg.Placement.Workers; i++ {
		if err := manager.Spawn(runCtx, fmt.Sprintf("worker-%d", i)); err != nil {
			return fmt.Errorf("failed to spawn worker %d: %w", i, err)
		}
	}
	manager.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Stop(ctx); err != nil {
			log.Error("placement manager shutdown failed", "error", err)
		}
	}()

	supervisor, err := buildLoops(cfg, channel, router, buf, collector, publisher)
	if err != nil {
		return err
	}

	obs, err := observability.NewManager(
		observability.Config{
			ServiceName:    cfg.Runtime.Name,
			ServiceVersion: rootCmd.Version,
			MetricsAddr:    cfg.Observability.MetricsAddr,
			TraceExporter:  cfg.Observability.TraceExporter,
		},
		observability.WithGatherer(collector.Registry()),
		observability.WithReadinessCheck(func(ctx context.Context) error {
			if len(tracker.Eligible()) == 0 {
				return fmt.Errorf("no eligible replicas")
			}
			if channel.CurrentVersion() == 0 {
				return fmt.Errorf("no weights published yet")
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}
	if err := obs.Start(runCtx); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	}()

	if cfg.ControlPlane.Enabled {
		cp, err := buildControlPlane(cfg, tracker, manager, eventJournal)
		if err != nil {
			return err
		}
		if err := cp.Start(runCtx); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			cp.Stop(ctx)
		}()
		log.Info("control plane started", "port", cp.Port())
	}

	log.Info("runtime ready",
		"workers", cfg.Placement.Workers,
		"rollout_loops", cfg.Rollout.Loops,
		"staging_backend", cfg.Staging.Backend,
		"buffer_capacity", cfg.Buffer.Capacity,
		"staleness_bound", stalenessBound)

	// Cancel the run context on SIGINT/SIGTERM; the supervisor treats a
	// parent cancel as a clean stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", "signal", sig.String())
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	if err := supervisor.Run(runCtx); err != nil {
		return fmt.Errorf("runtime failed: %w", err)
	}
	log.Info("runtime stopped")
	return nil
}

// buildRegionStore selects the staging data plane.
func buildRegionStore(cfg config.StagingConfig) (staging.RegionStore, error) {
	switch cfg.Backend {
	case "memory":
		return staging.NewMemoryRegionStore(), nil
	case "redis":
		return staging.NewRedisRegionStore(staging.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL.Std(),
		})
	default:
		return nil, rl.ErrInvalidConfiguration("staging.backend", cfg.Backend,
			"staging backend must be one of: memory, redis")
	}
}

// buildPublisher assembles the configured event sinks into one publisher.
// The journal is returned separately so health checks can ping it.
func buildPublisher(reg *registry.Registry, cfg *config.Config) (events.Publisher, *journal.Journal, error) {
	var sinks []events.Publisher
	if cfg.Events.Log {
		sinks = append(sinks, &events.LogPublisher{})
	}
	if cfg.Events.NATS.Enabled {
		nats, err := registry.Attach(reg, "nats-publisher", func() (*events.NATSPublisher, error) {
			return events.NewNATSPublisher(events.NATSConfig{
				URL:           cfg.Events.NATS.URL,
				SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
			})
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		sinks = append(sinks, nats)
	}

	var eventJournal *journal.Journal
	if cfg.Journal.Enabled {
		j, err := registry.Attach(reg, "event-journal", func() (*journal.Journal, error) {
			return journal.New(journal.Config{
				Path:      cfg.Journal.Path,
				Retention: cfg.Journal.Retention.Std(),
			})
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open event journal: %w", err)
		}
		eventJournal = j

		// Journal writes hit disk, so they ride the bus instead of the
		// callers' publish path.
		bus, err := registry.Attach(reg, "event-bus", func() (*events.Bus, error) {
			return events.NewBus(256), nil
		})
		if err != nil {
			return nil, nil, err
		}
		stop, err := j.Attach(bus)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to attach journal to event bus: %w", err)
		}
		// Registered after bus and journal, so teardown stops the drain
		// first and flushes buffered events before either closes.
		if _, err := registry.Attach(reg, "journal-drain", func() (closerFunc, error) {
			return closerFunc(stop), nil
		}); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, bus)
	}

	if len(sinks) == 0 {
		return events.NoopPublisher{}, nil, nil
	}
	return events.NewMultiPublisher(sinks...), eventJournal, nil
}

// closerFunc adapts a stop function to io.Closer for registry teardown.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// buildLoops constructs the training loop, the rollout loops and their
// supervisor from config.
func buildLoops(cfg *config.Config, channel *staging.Channel, router *replica.Router, buf *buffer.Buffer, collector metrics.Collector, publisher events.Publisher) (*loop.Supervisor, error) {
	prompts, err := loop.NewStaticPrompts(cfg.Rollout.Prompts...)
	if err != nil {
		return nil, err
	}

	rollouts := make([]*loop.RolloutLoop, 0, cfg.Rollout.Loops)
	for i := 0; i < cfg.Rollout.Loops; i++ {
		rollout, err := loop.NewRolloutLoop(router, channel, buf, prompts,
			loop.WithRolloutName(fmt.Sprintf("rollout-%d", i)),
			loop.WithRolloutBackoff(cfg.Rollout.Backoff.Std()),
			loop.WithRolloutInterval(cfg.Rollout.Interval.Std()),
			loop.WithRolloutEvents(publisher),
		)
		if err != nil {
			return nil, err
		}
		rollouts = append(rollouts, rollout)
	}

	training, err := loop.NewTrainingLoop(channel, buf, loop.NewSimUpdater(),
		seedWeights(cfg.Training.SeedBytes),
		loop.WithBatchSize(cfg.Training.BatchSize),
		loop.WithTrainingBackoff(cfg.Training.Backoff.Std()),
		loop.WithTrainingMetrics(collector),
		loop.WithTrainingEvents(publisher),
	)
	if err != nil {
		return nil, err
	}

	return loop.NewSupervisor(training, rollouts...)
}

// seedWeights builds the initial policy snapshot the training loop
// publishes as version 1.
func seedWeights(sizeBytes int) *rl.Snapshot {
	data := make([]byte, sizeBytes)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &rl.Snapshot{
		Params: []rl.Parameter{{
			Name:  "policy.weights",
			Shape: []int64{int64(sizeBytes)},
			DType: "uint8",
			Data:  data,
		}},
	}
}

// buildControlPlane wires the gRPC health surface over the live components.
func buildControlPlane(cfg *config.Config, tracker *replica.Tracker, manager *placement.Manager, eventJournal *journal.Journal) (*controlplane.Server, error) {
	cp, err := controlplane.NewServer(cfg.ControlPlane.Port)
	if err != nil {
		return nil, err
	}

	if err := cp.RegisterCheck("replicas", func(ctx context.Context) error {
		if len(tracker.Eligible()) == 0 {
			return fmt.Errorf("no eligible replicas")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := cp.RegisterCheck("placement", func(ctx context.Context) error {
		health := manager.Health()
		if health.Running == 0 {
			return fmt.Errorf("no running workers (%d restarting)", health.Restarting)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if eventJournal != nil {
		if err := cp.RegisterCheck("journal", eventJournal.Ping); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

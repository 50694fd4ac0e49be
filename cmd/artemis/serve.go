package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/redmage123/artemis/coreengine/config"
	agrpc "github.com/redmage123/artemis/coreengine/grpc"
	"github.com/redmage123/artemis/coreengine/logging"
	"github.com/redmage123/artemis/coreengine/observability"
	"github.com/redmage123/artemis/coreengine/state"
	"github.com/redmage123/artemis/coreengine/supervisor"
	"github.com/redmage123/artemis/coreengine/workflows"
	"github.com/redmage123/artemis/eventbus"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recovery supervisor until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			config.Set(cfg)

			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, logger)
		},
	}
}

// supervisorRuntime is the wired supervisor before any listener starts.
type supervisorRuntime struct {
	bus        *eventbus.Bus
	registry   *workflows.Registry
	supervisor *supervisor.Supervisor
	machines   *state.MachineStore
	observer   *supervisor.SupervisorHealthObserver
	monitor    *supervisor.HealthMonitor
	health     *agrpc.HealthService
}

// buildRuntime wires the recovery core from cfg. It opens no connections.
func buildRuntime(cfg *config.Config, logger logging.Logger) (*supervisorRuntime, error) {
	bus := eventbus.NewBus(logger)
	bus.Use(eventbus.NewLoggingMiddleware(logger))

	handlers := workflows.DefaultHandlers(workflows.HandlerDeps{
		Processes:           workflows.OSProcessController{},
		Commands:            workflows.NewExecCommandRunner(cfg.Workflows.WorkDir, cfg.Workflows.Commands),
		Stages:              eventbus.NewRerunRequester(bus),
		State:               state.NewSnapshotResetter(cfg.State.Dir, logger),
		Logger:              logger,
		TerminateGrace:      cfg.Workflows.TerminateGrace,
		TimeoutMultiplier:   cfg.Workflows.TimeoutMultiplier,
		DefaultStageTimeout: cfg.Workflows.DefaultStageTimeout,
		NetworkBackoff:      cfg.Workflows.NetworkBackoff,
		RateLimitWait:       cfg.Workflows.RateLimitWait,
	})
	registry, err := loadRegistry(cfg.Workflows.DefinitionsPath, handlers)
	if err != nil {
		return nil, err
	}

	restoration := supervisor.NewStateRestoration(
		supervisor.WithStageRerunner(eventbus.NewRerunRequester(bus)),
		supervisor.WithProcessController(workflows.OSProcessController{}),
		supervisor.WithTimeoutPolicy(cfg.Workflows.TimeoutMultiplier, cfg.Workflows.DefaultStageTimeout),
		supervisor.WithTerminateGrace(cfg.Workflows.TerminateGrace),
		supervisor.WithRestorationLogger(logger),
	)
	executor := workflows.NewExecutor(
		workflows.WithRetryConfig(cfg.Retry),
		workflows.WithExecutorObservable(bus),
		workflows.WithExecutorLogger(logger),
	)
	machines := state.NewMachineStore(cfg.State.Dir, logger, state.WithObservable(bus))
	sup := supervisor.NewSupervisor(registry, restoration,
		supervisor.WithWorkflowExecutor(executor),
		supervisor.WithStateMachines(machines),
		supervisor.WithCircuitBreakers(supervisor.NewCircuitBreakers(cfg.Supervisor.BreakerThreshold, cfg.Supervisor.BreakerReset)),
		supervisor.WithRecoveryRate(cfg.Supervisor.RecoveryInterval, cfg.Supervisor.RecoveryBurst),
		supervisor.WithSupervisorObservable(bus),
		supervisor.WithSupervisorLogger(logger),
	)

	health := agrpc.NewHealthService(logger)
	observer := supervisor.NewSupervisorHealthObserver(sup,
		supervisor.WithHealthReporter(health),
		supervisor.WithObserverLogger(logger),
	)
	monitor := supervisor.NewHealthMonitor(logger)
	monitor.Register(observer)

	return &supervisorRuntime{
		bus:        bus,
		registry:   registry,
		supervisor: sup,
		machines:   machines,
		observer:   observer,
		monitor:    monitor,
		health:     health,
	}, nil
}

// loadRegistry builds the default registry, applies YAML overrides from
// path when set and validates the result.
func loadRegistry(path string, handlers *workflows.HandlerSet) (*workflows.Registry, error) {
	registry := workflows.NewDefaultRegistry(handlers)
	if path != "" {
		defs, err := workflows.LoadDefinitionsFile(path)
		if err != nil {
			return nil, err
		}
		if err := workflows.ApplyDefinitions(registry, defs, handlers); err != nil {
			return nil, fmt.Errorf("apply workflow definitions from %s: %w", path, err)
		}
	}
	if err := workflows.NewValidator().ValidateRegistry(registry); err != nil {
		return nil, fmt.Errorf("invalid workflow registry: %w", err)
	}
	return registry, nil
}

// runServe starts every enabled surface and blocks until ctx ends or one fails.
func runServe(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	logger.Info("artemis_starting",
		"version", Version,
		"grpc_enabled", cfg.GRPC.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
		"nats_enabled", cfg.NATS.Enabled,
		"tracing_enabled", cfg.Tracing.Enabled,
	)

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err)
			}
		}()
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("supervisor_ready", "workflows", rt.registry.Len())

	if cfg.State.Retention > 0 {
		stopCleanup := state.StartCleanupLoop(cfg.State.Dir, state.CleanupConfig{
			Interval:  cfg.State.CleanupInterval,
			Retention: cfg.State.Retention,
		}, logger)
		defer stopCleanup()
	}

	if cfg.NATS.Enabled {
		conn, err := eventbus.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer conn.Close()

		publisher := eventbus.NewNATSPublisher(conn, cfg.NATS.EventSubject, logger)
		unsubscribe := rt.bus.SubscribeAll(publisher.Publish)
		defer unsubscribe()

		sub, err := supervisor.IngestHealth(ctx, conn, cfg.NATS.HealthSubject, rt.monitor, logger)
		if err != nil {
			return err
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
		logger.Info("nats_bridge_started", "url", cfg.NATS.URL,
			"event_subject", cfg.NATS.EventSubject, "health_subject", cfg.NATS.HealthSubject)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.GRPC.Enabled {
		srv := agrpc.NewGracefulServer(rt.health, cfg.GRPC.Address, logger)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Address, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	stats := rt.supervisor.Stats()
	logger.Info("artemis_stopped",
		"recovery_attempts", stats.Attempts,
		"recovered", stats.Recovered,
		"failed", stats.Failed,
	)
	return err
}

// serveMetrics exposes prometheus metrics on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics_server_started", "address", addr)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

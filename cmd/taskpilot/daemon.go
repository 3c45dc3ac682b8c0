package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/taskpilot/internal/agents"
	"github.com/fentz26/taskpilot/internal/config"
	"github.com/fentz26/taskpilot/internal/controlplane"
	"github.com/fentz26/taskpilot/internal/delivery"
	"github.com/fentz26/taskpilot/internal/delivery/localexec"
	"github.com/fentz26/taskpilot/internal/events"
	"github.com/fentz26/taskpilot/internal/scheduler"
	"github.com/fentz26/taskpilot/internal/store"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	listenAddr string
	dbPath     string
	logLevel   string
	noSchedule bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the TaskPilot daemon",
	Long:  `Starts the agent scheduler and the HTTP API used by the CLI.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "~/.taskpilot/config.yaml", "Path to a YAML or TOML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	daemonCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Serve the API without starting the agent timers")
}

func loadDaemonConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = config.ExpandHome(dbPath)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting taskpilot daemon", "db", cfg.DBPath, "listen", cfg.Listen)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.SeedAgentHealth(ctx, agents.Names()...); err != nil {
		return err
	}

	sinks, closeSinks, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	queue := events.NewQueue(cfg.Events.QueueSize, logger, sinks...)

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}

	runner := agents.NewRunner(s, queue, logger)
	sched := scheduler.New(runner, logger)
	jobs := scheduler.DefaultJobs(&cfg.Scheduler,
		agents.NewPlanningAgent(logger),
		agents.NewRiskAgent(logger),
		agents.NewEscalationAgent(cfg.Escalation, logger),
		agents.NewNotificationAgent(cfg.Notifications, transport, logger),
	)
	if err := sched.RegisterAll(jobs); err != nil {
		return err
	}

	service := controlplane.NewService(s, sched, queue, logger)
	server := controlplane.NewServer(service, cfg.Listen, logger)

	g, gctx := errgroup.WithContext(ctx)

	// The queue outlives gctx so events from in-flight cycles still drain.
	g.Go(func() error {
		return queue.Run(context.Background())
	})

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		if err := sched.Wait(shutdownCtx); err != nil {
			logger.Warn("agent cycles still running at shutdown", "err", err)
		}
		queue.Close()
		logger.Info("shutdown complete", "scheduler", sched.GetStats(), "events", queue.Stats())
		return nil
	})

	if noSchedule {
		logger.Info("agent timers disabled; agents run only when triggered")
	} else {
		sched.Start()
	}

	return g.Wait()
}

func buildSinks(cfg *config.Config, logger *slog.Logger) ([]events.Sink, func(), error) {
	var sinks []events.Sink
	closers := []func() error{}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("event sink close error", "err", err)
			}
		}
	}

	if cfg.HasSink(config.SinkLog) {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	if cfg.HasSink(config.SinkNATS) {
		ns, err := events.NewNATSSink(cfg.Events.NATS)
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect NATS sink: %w", err)
		}
		closers = append(closers, ns.Close)
		sinks = append(sinks, ns)
		logger.Info("publishing change events to NATS", "url", cfg.Events.NATS.URL, "prefix", cfg.Events.NATS.SubjectPrefix)
	}
	return sinks, closeAll, nil
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (delivery.Transport, error) {
	logTransport := delivery.NewLogTransport(logger)
	if cfg.Delivery.Mode != config.DeliveryExec {
		return delivery.WithTimeout(logTransport, cfg.Delivery.Timeout), nil
	}
	exec, err := localexec.New(cfg.Delivery.Exec)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	return delivery.WithTimeout(delivery.Multi{logTransport, exec}, cfg.Delivery.Timeout), nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/bridge"
	"github.com/claudebridge/claudebridge/internal/common/config"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/common/tracing"
	"github.com/claudebridge/claudebridge/internal/cron"
	"github.com/claudebridge/claudebridge/internal/events"
	"github.com/claudebridge/claudebridge/internal/events/bus"
	"github.com/claudebridge/claudebridge/internal/ops"
	"github.com/claudebridge/claudebridge/internal/project"
	"github.com/claudebridge/claudebridge/internal/queue"
	"github.com/claudebridge/claudebridge/internal/router"
	"github.com/claudebridge/claudebridge/internal/session"
	"github.com/claudebridge/claudebridge/internal/slack"
)

func runBridge(_ *cobra.Command, _ []string) error {
	// 1. Configuration
	cfg, err := loadConfig()
	if err != nil {
		return usageErr(err)
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Claude Bridge...", zap.String("version", version))

	// 3. Tracing. Env-gated; warming the tracer here makes Shutdown flush
	// whatever spans the run produced.
	tracing.Tracer("claudebridge")
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.Events.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Events.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.Data.Dir, err)
	}

	// 5. Projects and their availability watcher.
	set, err := projectSet(cfg)
	if err != nil {
		return usageErr(err)
	}
	watcher := project.NewWatcher(set, time.Second, projectChangePublisher(eventBus, log), log)
	watcherUp := false
	if err := watcher.Start(ctx); err != nil {
		// Sessions still open; sends just aren't gated on availability.
		log.Warn("project watcher unavailable", zap.Error(err))
	} else {
		watcherUp = true
		defer func() { _ = watcher.Stop() }()
	}

	// 6. Session registry with persisted resume hints.
	store, err := session.OpenStore(cfg.Data.SessionsFile(), cfg.Queues.PersistDebounce, log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	registry := session.NewRegistry(cfg, set, store, eventBus, nil, log)
	if watcherUp {
		registry.SetAvailability(watcher.Available)
	}
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start session registry: %w", err)
	}

	// 7. Task queues execute through project sessions.
	queues, err := queue.NewManager(cfg, registry, eventBus, log)
	if err != nil {
		return fmt.Errorf("open task queues: %w", err)
	}

	// 8. Cron scheduler feeding the cron-owned queues.
	scheduler := cron.NewScheduler(cfg.Cron.QueuePrefix, queues, eventBus, log)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for _, sc := range cfg.Cron.Schedules {
		if _, err := scheduler.Register(sc.Pattern, sc.Tasks, sc.Project); err != nil {
			log.Error("standing schedule rejected",
				zap.String("pattern", sc.Pattern),
				zap.String("project", sc.Project),
				zap.Error(err))
		}
	}

	// 9. Slack transport, command router, bridge core.
	transport := slack.NewClient(cfg.Slack, log)
	rt := router.NewRouter(set, registry, queues, scheduler, log)
	br := bridge.New(cfg, transport, rt, queues, eventBus, log)

	// 10. Ops server (disabled when ops.addr is empty).
	opsServer := ops.NewServer(cfg.Ops.Addr, registry, queues, scheduler, log)
	opsServer.Start()

	// SIGINT/SIGTERM cancel the run context; the bridge unwinds from there.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info("Shutting down...", zap.String("signal", sig.String()))
		cancel()
	}()

	runErr := br.Run(ctx)
	if runErr != nil {
		log.Error("bridge stopped", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown error", zap.Error(err))
	}
	scheduler.Stop()
	if err := queues.Close(); err != nil {
		log.Error("queue manager close error", zap.Error(err))
	}
	if err := registry.Stop(shutdownCtx); err != nil {
		log.Error("session registry stop error", zap.Error(err))
	}

	return runErr
}

func projectSet(cfg *config.Config) (*project.Set, error) {
	projects := make([]project.Project, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, project.Project{
			Name:        p.Name,
			Path:        p.Path,
			Description: p.Description,
		})
	}
	set, err := project.NewSet(projects)
	if err != nil {
		return nil, fmt.Errorf("projects: %w", err)
	}
	return set, nil
}

func projectChangePublisher(eventBus bus.EventBus, log *logger.Logger) project.ChangeFunc {
	return func(name string, available bool) {
		eventType := events.ProjectUnavailable
		if available {
			eventType = events.ProjectAvailable
		}
		ev := bus.NewEvent(eventType, events.SourceProjects,
			events.ToMap(events.ProjectEventData{Project: name, Available: available}))
		if err := eventBus.Publish(context.Background(), eventType, ev); err != nil {
			log.Warn("project change publish failed", zap.Error(err))
		}
	}
}

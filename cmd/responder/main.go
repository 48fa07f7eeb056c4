// Package main is the entry point for the responder orchestration service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinelops/responder/internal/entity"
	"github.com/sentinelops/responder/internal/escalation"
	"github.com/sentinelops/responder/internal/events"
	"github.com/sentinelops/responder/internal/notifier"
	"github.com/sentinelops/responder/internal/playbook"
	"github.com/sentinelops/responder/internal/schedule"
	"github.com/sentinelops/responder/internal/trigger"
	"github.com/sentinelops/responder/internal/workflow"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/config"
	"github.com/sentinelops/responder/pkg/database"
	"github.com/sentinelops/responder/pkg/kafka"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/telemetry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFmt)
	log.Info("starting responder",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	tp, err := telemetry.NewProvider(&telemetry.Config{
		ServiceName:    "responder",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.Telemetry.Enabled,
		ExporterType:   telemetry.ExporterType(cfg.Telemetry.ExporterType),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "error", err)
		}
	}()

	// Storage: Postgres-backed when configured, in-memory otherwise.
	var store entity.Store
	var lister escalation.CaseLister
	sinks := audit.Fanout{audit.NewMemorySink(10000)}

	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		log.Info("connected to database")

		pgStore := entity.NewPostgresStore(db.Pool)
		store = pgStore
		lister = pgStore
		sinks = append(sinks, audit.NewPostgresSink(db.Pool, log))
	} else {
		mem := entity.NewMemoryStore()
		store = mem
		lister = mem
		log.Info("running with in-memory entity store")
	}

	// SIEM export: queue the audit trail alongside the other sinks and
	// drain it on a schedule further down.
	var exportQueue *audit.ExportQueue
	var exporter *audit.Exporter
	if cfg.SIEM.Enabled {
		exportQueue = audit.NewExportQueue(cfg.SIEM.QueueSize)
		sinks = append(sinks, exportQueue)

		exporter = audit.NewExporter(exportQueue, log)
		if cfg.SIEM.SplunkEndpoint != "" {
			exporter.RegisterExporter(audit.NewSplunkExporter(audit.SplunkConfig{
				Endpoint: cfg.SIEM.SplunkEndpoint,
				Token:    cfg.SIEM.SplunkToken,
				Index:    cfg.SIEM.SplunkIndex,
			}, log))
		}
		if cfg.SIEM.WebhookURL != "" {
			exporter.RegisterExporter(audit.NewWebhookExporter(audit.WebhookConfig{
				Endpoint: cfg.SIEM.WebhookURL,
				Secret:   cfg.SIEM.WebhookSecret,
			}, log))
		}
	}

	// Notification gateway
	gateway := notifier.New(cfg.Notifications, log)
	log.Info("initialized notification gateway",
		"slack_enabled", cfg.Notifications.SlackEnabled,
		"email_enabled", cfg.Notifications.EmailEnabled,
		"webhook_enabled", cfg.Notifications.WebhookEnabled,
		"paging_enabled", cfg.Notifications.PagingEnabled,
	)

	// Kafka (optional)
	var producer *kafka.Producer
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		defer producer.Close()

		consumer, err = kafka.NewConsumer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create Kafka consumer: %w", err)
		}
		defer consumer.Close()
		log.Info("connected to Kafka", "brokers", cfg.Kafka.Brokers)
	}

	// Playbook runner
	playbooks := playbook.NewRegistry()
	runner := playbook.NewRunner(playbook.Config{
		DefaultTimeout: cfg.Playbooks.DefaultTimeout,
		RetryBaseDelay: cfg.Playbooks.RetryBaseDelay,
	}, playbooks, sinks, log)
	playbook.RegisterBuiltins(runner, gateway, store)
	log.Info("initialized playbook runner")

	// Workflow engine
	workflows := workflow.NewEngine(sinks, gateway, store, log)
	log.Info("initialized workflow engine")

	// Escalation service
	var publisher escalation.EventPublisher
	if producer != nil {
		publisher = producer
	}
	esc := escalation.NewService(store, gateway, runner, sinks, publisher,
		cfg.Kafka.Topics.EscalationFired, log)
	log.Info("initialized escalation service")

	// Trigger engine
	triggers := trigger.NewEngine(workflows, runner, gateway, sinks, log)
	log.Info("initialized trigger engine")

	// Task scheduler with the standing maintenance tasks
	scheduler := schedule.NewScheduler(sinks, log)
	defer scheduler.Stop()

	scheduler.RegisterHandler("escalation-sweep", func(ctx context.Context, _ *schedule.Task) error {
		return esc.Sweep(ctx, lister)
	})
	scheduler.RegisterHandler("sla-monitor", func(ctx context.Context, _ *schedule.Task) error {
		ids, err := lister.ListActiveCaseIDs(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, id := range ids {
			c, err := store.GetCase(ctx, id)
			if err != nil {
				log.Warn("sla monitor: case lookup failed", "case_id", id, "error", err)
				continue
			}
			if c.SLABreach || (c.SLADeadline != nil && now.After(*c.SLADeadline)) {
				if err := esc.HandleSLABreach(ctx, id); err != nil {
					log.Warn("sla monitor: escalation failed", "case_id", id, "error", err)
				}
			}
		}
		return nil
	})
	scheduler.RegisterHandler("daily-summary", func(ctx context.Context, _ *schedule.Task) error {
		ids, err := lister.ListActiveCaseIDs(ctx)
		if err != nil {
			return err
		}
		if len(cfg.Notifications.EmailRecipients) == 0 {
			log.Debug("no daily summary recipients configured")
			return nil
		}
		_, err = gateway.Send(ctx, "daily_summary", cfg.Notifications.EmailRecipients,
			map[string]any{"open_cases": len(ids)}, nil)
		return err
	})

	if err := scheduler.AddTask(&schedule.Task{
		Name:     "sla-monitor",
		Type:     schedule.TaskRecurring,
		Schedule: cfg.Scheduler.SLAMonitorSchedule,
		Handler:  "sla-monitor",
		Enabled:  true,
	}); err != nil {
		return fmt.Errorf("failed to schedule SLA monitor: %w", err)
	}
	if err := scheduler.AddTask(&schedule.Task{
		Name:     "escalation-sweep",
		Type:     schedule.TaskRecurring,
		Schedule: cfg.Scheduler.SweepSchedule,
		Handler:  "escalation-sweep",
		Enabled:  true,
	}); err != nil {
		return fmt.Errorf("failed to schedule escalation sweep: %w", err)
	}
	if err := scheduler.AddTask(&schedule.Task{
		Name:     "daily-summary",
		Type:     schedule.TaskRecurring,
		Schedule: cfg.Scheduler.DailySummaryAt,
		Handler:  "daily-summary",
		Enabled:  true,
	}); err != nil {
		return fmt.Errorf("failed to schedule daily summary: %w", err)
	}
	if exporter != nil {
		scheduler.RegisterHandler("siem-export", func(ctx context.Context, _ *schedule.Task) error {
			return exporter.ProcessQueue(ctx, cfg.SIEM.BatchSize)
		})
		if err := scheduler.AddTask(&schedule.Task{
			Name:     "siem-export",
			Type:     schedule.TaskRecurring,
			Schedule: cfg.SIEM.ExportSchedule,
			Handler:  "siem-export",
			Enabled:  true,
		}); err != nil {
			return fmt.Errorf("failed to schedule SIEM export: %w", err)
		}
	}
	log.Info("initialized task scheduler",
		"sweep_schedule", cfg.Scheduler.SweepSchedule,
		"daily_summary_at", cfg.Scheduler.DailySummaryAt,
	)

	// Event bridge
	bridgeErrors := make(chan error, 1)
	if consumer != nil {
		bridge := events.NewBridge(consumer, triggers, esc, cfg.Kafka.Topics, log)
		go func() {
			bridgeErrors <- bridge.Run(ctx)
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-bridgeErrors:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("event bridge error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
		scheduler.Stop()
	}

	log.Info("responder shutdown complete")
	return nil
}

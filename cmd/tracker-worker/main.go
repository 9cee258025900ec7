package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/bus"
	"github.com/Lllllllleong/documenttracker/internal/services"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tracker-worker",
		Usage: "Document tracking reconciler for NATS deployments",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "consume",
				Usage:  "Consume processing events, serve the status API and sweep periodically",
				Action: consumeCommand,
				Flags: append(storeFlags(), append(reconcilerFlags(),
					&cli.StringFlag{
						Name:    "nats-url",
						Usage:   "NATS server URL",
						Value:   nats.DefaultURL,
						EnvVars: []string{"NATS_URL"},
					},
					&cli.StringFlag{
						Name:  "stream",
						Usage: "JetStream stream carrying processing events",
						Value: bus.DefaultStreamName,
					},
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Subject filter for processing events",
						Value: bus.DefaultSubject,
					},
					&cli.StringFlag{
						Name:  "consumer",
						Usage: "Durable consumer name",
						Value: bus.DefaultConsumerName,
					},
					&cli.StringFlag{
						Name:  "dlq-stream",
						Usage: "JetStream stream receiving dead-lettered events",
						Value: bus.DefaultDeadLetterStream,
					},
					&cli.StringFlag{
						Name:  "dlq-prefix",
						Usage: "Subject prefix for dead-lettered events",
						Value: bus.DefaultDeadLetterPrefix,
					},
					&cli.BoolFlag{
						Name:  "file-storage",
						Usage: "Use file-backed JetStream storage for the event stream",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Maximum events handled concurrently",
						Value: 16,
					},
					&cli.StringFlag{
						Name:    "http-addr",
						Usage:   "Listen address for the status API, empty to disable",
						Value:   ":8080",
						EnvVars: []string{"HTTP_ADDR"},
					},
					&cli.DurationFlag{
						Name:  "sweep-interval",
						Usage: "Interval between stale sweeps, 0 to disable",
						Value: 5 * time.Minute,
					},
				)...),
			},
			{
				Name:   "sweep",
				Usage:  "Run one stale sweep and print the report",
				Action: sweepCommand,
				Flags:  append(storeFlags(), reconcilerFlags()...),
			},
			{
				Name:   "status",
				Usage:  "Print the status of one document, one logical document, or the most recent ones",
				Action: statusCommand,
				Flags: append(storeFlags(),
					&cli.StringFlag{Name: "id", Usage: "Document instance ID"},
					&cli.StringFlag{Name: "base", Usage: "Base document ID"},
					&cli.IntFlag{Name: "limit", Usage: "Page size for the recent listing", Value: services.DefaultPageSize},
					&cli.StringFlag{Name: "cursor", Usage: "Cursor returned by the previous page"},
					&cli.DurationFlag{Name: "op-timeout", Usage: "Timeout for each store call", Value: 3 * time.Second},
				),
			},
		},
	}
}

func reconcilerFlags() []cli.Flag {
	d := services.DefaultReconcilerConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "max-conflict-retries",
			Usage:   "Conditional write attempts per event",
			Value:   d.MaxConflictRetries,
			EnvVars: []string{"RECONCILER_MAX_CONFLICT_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "op-timeout",
			Usage:   "Timeout for each store call",
			Value:   d.OperationTimeout,
			EnvVars: []string{"STORE_OPERATION_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "retention",
			Usage:   "Record retention after creation, 0 to keep forever",
			Value:   d.RecordRetention,
			EnvVars: []string{"RECORD_RETENTION"},
		},
		&cli.IntFlag{
			Name:    "max-orphan-deliveries",
			Usage:   "Delivery attempt at which orphan events are dead-lettered",
			Value:   d.MaxOrphanDeliveries,
			EnvVars: []string{"MAX_ORPHAN_DELIVERIES"},
		},
		&cli.IntFlag{
			Name:    "max-failed-deliveries",
			Usage:   "Delivery attempt at which persistently failing events are dead-lettered",
			Value:   d.MaxFailedDeliveries,
			EnvVars: []string{"MAX_FAILED_DELIVERIES"},
		},
		&cli.IntFlag{
			Name:    "sweep-batch-size",
			Usage:   "Processing instances examined per sweep",
			Value:   d.SweepBatchSize,
			EnvVars: []string{"SWEEP_BATCH_SIZE"},
		},
		&cli.IntFlag{
			Name:    "sweep-concurrency",
			Usage:   "Logical documents resolved concurrently by a sweep",
			Value:   d.SweepConcurrency,
			EnvVars: []string{"SWEEP_CONCURRENCY"},
		},
	}
}

func reconcilerConfig(c *cli.Context) (services.ReconcilerConfig, error) {
	cfg := services.ReconcilerConfig{
		MaxConflictRetries:  c.Int("max-conflict-retries"),
		OperationTimeout:    c.Duration("op-timeout"),
		RecordRetention:     c.Duration("retention"),
		MaxOrphanDeliveries: c.Int("max-orphan-deliveries"),
		MaxFailedDeliveries: c.Int("max-failed-deliveries"),
		SweepBatchSize:      c.Int("sweep-batch-size"),
		SweepConcurrency:    c.Int("sweep-concurrency"),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid reconciler flags: %w", err)
	}
	return cfg, nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}

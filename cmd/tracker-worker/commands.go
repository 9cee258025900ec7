package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/api"
	"github.com/Lllllllleong/documenttracker/internal/bus"
	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/services"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func consumeCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := reconcilerConfig(c)
	if err != nil {
		return err
	}
	if c.Int("workers") <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}

	store, gc, err := openStore(c)
	if err != nil {
		return fmt.Errorf("failed to open tracking store: %w", err)
	}
	defer store.Close()

	nc, err := nats.Connect(c.String("nats-url"), nats.Name("tracker-worker"))
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}
	if err := bus.EnsureDeadLetterStream(ctx, js, c.String("dlq-stream"), c.String("dlq-prefix")); err != nil {
		return err
	}
	sink, err := bus.NewJetStreamDeadLetterSink(js, c.String("dlq-prefix"))
	if err != nil {
		return err
	}

	reconciler, err := services.NewReconciler(store, cfg)
	if err != nil {
		return err
	}
	dispatcher, err := services.NewDispatcher(reconciler, sink, cfg)
	if err != nil {
		return err
	}
	worker, err := bus.NewWorker(dispatcher, c.Int("workers"))
	if err != nil {
		return err
	}
	defer worker.Release()

	consumer, err := bus.NewConsumer(js, bus.ConsumerOptions{
		StreamName:    c.String("stream"),
		FilterSubject: c.String("subject"),
		ConsumerName:  c.String("consumer"),
		FileStorage:   c.Bool("file-storage"),
	}, slog.Default())
	if err != nil {
		return err
	}
	msgs, err := consumer.Subscribe(ctx)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr := c.String("http-addr"); addr != "" {
		statusService, err := services.NewStatusService(store, cfg.OperationTimeout)
		if err != nil {
			return err
		}
		srv = &http.Server{
			Addr:              addr,
			Handler:           api.NewRouter(statusService, slog.Default()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("Status API listening.", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Status API stopped.", "error", err)
				stop()
			}
		}()
	}

	sweeper, err := services.NewSweeper(store, reconciler.Resolver(), cfg)
	if err != nil {
		return err
	}
	go runMaintenance(ctx, c.Duration("sweep-interval"), sweeper, gc)

	slog.Info("Tracker worker started.", "stream", c.String("stream"), "workers", c.Int("workers"))
	err = worker.Run(ctx, msgs)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Status API shutdown incomplete.", "error", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("Tracker worker stopped.")
		return nil
	}
	return err
}

// runMaintenance sweeps and collects badger garbage on every tick until ctx is done.
func runMaintenance(ctx context.Context, interval time.Duration, sweeper *services.Sweeper, gc func() error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Run(ctx); err != nil {
				slog.Warn("Periodic sweep failed.", "error", err)
			}
			if gc != nil {
				if err := gc(); err != nil {
					slog.Warn("Value log GC failed.", "error", err)
				}
			}
		}
	}
}

func sweepCommand(c *cli.Context) error {
	cfg, err := reconcilerConfig(c)
	if err != nil {
		return err
	}
	store, _, err := openStore(c)
	if err != nil {
		return fmt.Errorf("failed to open tracking store: %w", err)
	}
	defer store.Close()

	resolver, err := services.NewResolver(store, cfg)
	if err != nil {
		return err
	}
	sweeper, err := services.NewSweeper(store, resolver, cfg)
	if err != nil {
		return err
	}
	report, err := sweeper.Run(c.Context)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	return printJSON(models.SweepResponse{Status: status, Bases: report.Bases, Cancelled: report.Cancelled, Failed: report.Failed})
}

func statusCommand(c *cli.Context) error {
	store, _, err := openStore(c)
	if err != nil {
		return fmt.Errorf("failed to open tracking store: %w", err)
	}
	defer store.Close()

	statusService, err := services.NewStatusService(store, c.Duration("op-timeout"))
	if err != nil {
		return err
	}

	switch {
	case c.String("id") != "":
		resp, err := statusService.GetStatus(c.Context, c.String("id"))
		if errors.Is(err, services.ErrStatusUnknown) {
			return printJSON(map[string]string{"status": "unknown"})
		}
		if err != nil {
			return err
		}
		return printJSON(resp)
	case c.String("base") != "":
		docs, err := statusService.ListByBase(c.Context, c.String("base"))
		if err != nil {
			return err
		}
		return printJSON(models.StatusListResponse{Documents: docs})
	default:
		page, err := statusService.ListRecent(c.Context, c.Int("limit"), c.String("cursor"))
		if err != nil {
			return err
		}
		return printJSON(models.StatusListResponse{Documents: page.Documents, NextCursor: page.NextCursor})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

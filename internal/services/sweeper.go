package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarises one sweeper run.
type SweepReport struct {
	// Bases is the number of logical documents with an in-flight instance.
	Bases int
	// Cancelled lists instances superseded during the run, sorted. It is empty, never nil, when none were.
	Cancelled []string
	// Failed counts logical documents whose resolution did not complete.
	Failed int
}

// Sweeper re-runs supersession for every logical document that still has PROCESSING instances.
// It repairs documents whose resolver pass failed after ProcessingStarted was acknowledged.
type Sweeper struct {
	store    tracking.Store
	resolver *Resolver
	config   ReconcilerConfig
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper using resolver for the per-document pass.
func NewSweeper(store tracking.Store, resolver *Resolver, cfg ReconcilerConfig, opts ...Option) (*Sweeper, error) {
	if store == nil || resolver == nil {
		return nil, fmt.Errorf("tracking store and resolver are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconciler config: %w", err)
	}
	o := buildOptions(opts)
	return &Sweeper{store: store, resolver: resolver, config: cfg, logger: o.logger}, nil
}

// Run performs one sweep. It fails only when the in-flight instances cannot be listed.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	processing, err := s.store.ListByStatus(listCtx, models.StatusProcessing, s.config.SweepBatchSize)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list processing instances: %w", timeoutAsUnavailable("list", err))
	}

	bases := make([]string, 0, len(processing))
	seen := make(map[string]struct{}, len(processing))
	for _, d := range processing {
		if _, ok := seen[d.BaseDocumentID]; ok {
			continue
		}
		seen[d.BaseDocumentID] = struct{}{}
		bases = append(bases, d.BaseDocumentID)
	}

	report := &SweepReport{Bases: len(bases), Cancelled: []string{}}
	s.logger.Info("Starting sweep.", "processing", len(processing), "bases", len(bases))

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(s.config.SweepConcurrency)

	for _, base := range bases {
		eg.Go(func() error {
			res, err := s.resolver.Resolve(ctx, base, "")
			if err == nil {
				err = res.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				report.Cancelled = append(report.Cancelled, res.Cancelled...)
			}
			if err != nil {
				report.Failed++
				s.logger.Warn("Sweep could not resolve logical document.", "baseDocumentId", base, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	slices.Sort(report.Cancelled)
	s.logger.Info("Sweep finished.", "bases", report.Bases, "cancelled", len(report.Cancelled), "failed", report.Failed)
	return report, nil
}

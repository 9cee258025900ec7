package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
)

// Resolution is the outcome of one supersession pass over a logical document.
type Resolution struct {
	BaseDocumentID string
	// Winner is the newest instance, empty when the base has no instances.
	Winner string
	// Cancelled lists the instances this pass moved to CANCELLED.
	Cancelled []string
	// Failures holds cancellations that could not be written, keyed by document ID.
	Failures map[string]error
}

// Superseded reports whether this pass cancelled documentID.
func (r *Resolution) Superseded(documentID string) bool {
	return slices.Contains(r.Cancelled, documentID)
}

// Err joins the per-instance failures, nil when every cancellation succeeded.
func (r *Resolution) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("cancel %s: %w", id, r.Failures[id]))
	}
	return errors.Join(errs...)
}

// Resolver keeps at most one PROCESSING instance per logical document: the newest one.
type Resolver struct {
	store  tracking.Store
	config ReconcilerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a standalone Resolver, as used by the sweeper.
func NewResolver(store tracking.Store, cfg ReconcilerConfig, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("tracking store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconciler config: %w", err)
	}
	return newResolver(store, cfg, buildOptions(opts)), nil
}

func newResolver(store tracking.Store, cfg ReconcilerConfig, o options) *Resolver {
	return &Resolver{store: store, config: cfg, logger: o.logger, now: o.now}
}

// Resolve cancels every PROCESSING instance of baseDocumentID except the newest one.
//
// activeID is the instance that triggered the pass. It is loaded directly if the range query
// does not return it yet, so a lagging index cannot hide it. The newest instance wins even when
// it is not activeID, in which case activeID itself is cancelled. Pass an empty activeID to
// resolve from the query alone.
func (r *Resolver) Resolve(ctx context.Context, baseDocumentID, activeID string) (*Resolution, error) {
	logCtx := r.logger.With("baseDocumentId", baseDocumentID)
	res := &Resolution{BaseDocumentID: baseDocumentID}

	instances, err := r.query(ctx, baseDocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances of %s: %w", baseDocumentID, err)
	}
	// Key range scans may return instances of a base whose ID merely shares this prefix.
	instances = slices.DeleteFunc(instances, func(d *models.DocumentInstance) bool { return d.BaseDocumentID != baseDocumentID })

	if activeID != "" && !slices.ContainsFunc(instances, func(d *models.DocumentInstance) bool { return d.DocumentID == activeID }) {
		active, err := loadRecord(ctx, r.store, r.config.OperationTimeout, activeID)
		if err != nil {
			return nil, fmt.Errorf("failed to load active instance %s: %w", activeID, err)
		}
		if active != nil && active.BaseDocumentID == baseDocumentID {
			instances = append(instances, active)
		}
	}
	if len(instances) == 0 {
		return res, nil
	}

	models.SortNewestFirst(instances)
	winner := instances[0]
	res.Winner = winner.DocumentID

	for _, inst := range instances[1:] {
		if inst.Status != models.StatusProcessing {
			continue
		}
		cancelled, err := r.cancel(ctx, inst.DocumentID, winner.DocumentID)
		if err != nil {
			if res.Failures == nil {
				res.Failures = make(map[string]error)
			}
			res.Failures[inst.DocumentID] = err
			logCtx.Warn("Failed to cancel superseded instance.", "documentId", inst.DocumentID, "error", err)
			continue
		}
		if cancelled {
			res.Cancelled = append(res.Cancelled, inst.DocumentID)
			logCtx.Info("Cancelled superseded instance.", "documentId", inst.DocumentID, "supersededBy", winner.DocumentID)
		}
	}
	return res, nil
}

// cancel moves documentID to CANCELLED unless it already left PROCESSING.
func (r *Resolver) cancel(ctx context.Context, documentID, winnerID string) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxConflictRetries; attempt++ {
		current, err := loadRecord(ctx, r.store, r.config.OperationTimeout, documentID)
		if err != nil {
			return false, err
		}
		if current == nil {
			return false, nil
		}
		t := cancelTransition(current, winnerID, r.now())
		if !t.Changed {
			return false, nil
		}
		t.Record.Version = current.Version + 1

		err = putRecord(ctx, r.store, r.config.OperationTimeout, t.Record, current.Version)
		if err == nil {
			return true, nil
		}
		if !tracking.IsConflict(err) {
			return false, err
		}
		lastErr = err
	}
	return false, &RetryExhaustedError{DocumentID: documentID, Attempts: r.config.MaxConflictRetries, Err: lastErr}
}

func (r *Resolver) query(ctx context.Context, baseDocumentID string) ([]*models.DocumentInstance, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()

	instances, err := r.store.QueryByBaseDocument(opCtx, baseDocumentID)
	if err != nil {
		return nil, timeoutAsUnavailable("query", err)
	}
	return instances, nil
}

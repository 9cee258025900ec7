package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
)

// Option configures the services built on a tracking store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Outcome summarises what Apply did to the store.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeNoOp    Outcome = "no-op"
)

// Result describes one successfully handled event.
type Result struct {
	DocumentID string
	Outcome    Outcome
	// Record is the record as stored after the event.
	Record *models.DocumentInstance
	Note   string
	// Attempts counts the read-modify-write rounds, 1 without contention.
	Attempts int
	// Resolution is set after a ProcessingStarted when supersession ran.
	Resolution *Resolution
}

// Reconciler applies processing events to tracking records with optimistic concurrency.
type Reconciler struct {
	store    tracking.Store
	resolver *Resolver
	config   ReconcilerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler and its Resolver over the same store.
func NewReconciler(store tracking.Store, cfg ReconcilerConfig, opts ...Option) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("tracking store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconciler config: %w", err)
	}
	o := buildOptions(opts)
	return &Reconciler{
		store:    store,
		resolver: newResolver(store, cfg, o),
		config:   cfg,
		logger:   o.logger,
		now:      o.now,
	}, nil
}

// Resolver returns the supersession resolver sharing this reconciler's store.
func (r *Reconciler) Resolver() *Resolver {
	return r.resolver
}

// Apply folds one event into the tracking record of its document instance.
//
// The record is read, the next state computed, and the write made conditional on the version
// that was read. A lost race re-reads and recomputes, up to MaxConflictRetries rounds. Applying
// an event that has already been applied leaves the record unchanged.
func (r *Reconciler) Apply(ctx context.Context, ev models.Event) (*Result, error) {
	documentID := ev.Target()
	logCtx := r.logger.With("documentId", documentID, "eventType", ev.Type())

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxConflictRetries; attempt++ {
		current, err := r.load(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", documentID, err)
		}

		t, err := NextState(current, ev, r.now(), r.config.RecordRetention)
		if err != nil {
			if IsOrphan(err) {
				logCtx.Info("Event arrived before its instance exists.")
			}
			return nil, err
		}
		for _, anomaly := range t.Anomalies {
			logCtx.Warn("Absorbed inconsistent upstream event.", "anomaly", anomaly)
		}

		if !t.Changed {
			if t.Note == NoteTerminal {
				logCtx.Info("Event for terminal instance recorded without change.", "audit", true, "status", current.Status)
			} else {
				logCtx.Debug("Event already applied.", "note", t.Note)
			}
			result := &Result{DocumentID: documentID, Outcome: OutcomeNoOp, Record: current, Note: t.Note, Attempts: attempt}
			r.afterApply(ctx, ev, result, logCtx)
			return result, nil
		}

		var expected int64
		outcome := OutcomeCreated
		if current != nil {
			expected = current.Version
			outcome = OutcomeUpdated
		}
		next := t.Record
		next.Version = expected + 1

		err = r.put(ctx, next, expected)
		if err == nil {
			logCtx.Info("Tracking record written.", "outcome", outcome, "status", next.Status,
				"progress", next.Progress(), "version", next.Version)
			result := &Result{DocumentID: documentID, Outcome: outcome, Record: next, Attempts: attempt}
			r.afterApply(ctx, ev, result, logCtx)
			return result, nil
		}
		if !tracking.IsConflict(err) {
			return nil, fmt.Errorf("failed to write %s: %w", documentID, err)
		}
		lastErr = err
		logCtx.Debug("Conditional write lost a race, reloading.", "attempt", attempt)

		if err := ctx.Err(); err != nil {
			return nil, &tracking.UnavailableError{Op: "apply", Err: err}
		}
	}

	logCtx.Warn("Conflict retries exhausted.", "attempts", r.config.MaxConflictRetries)
	return nil, &RetryExhaustedError{DocumentID: documentID, Attempts: r.config.MaxConflictRetries, Err: lastErr}
}

// afterApply runs supersession for every ProcessingStarted, duplicates included, so a resolver
// pass that failed the first time gets another chance on redelivery.
func (r *Reconciler) afterApply(ctx context.Context, ev models.Event, result *Result, logCtx *slog.Logger) {
	if ev.Type() != models.EventProcessingStarted {
		return
	}
	res, err := r.resolver.Resolve(ctx, result.Record.BaseDocumentID, result.DocumentID)
	if err != nil {
		logCtx.Error("Supersession failed; it will be retried by redelivery or the sweeper.", "error", err)
		return
	}
	result.Resolution = res
	if res.Superseded(result.DocumentID) {
		if rec, err := r.load(ctx, result.DocumentID); err == nil && rec != nil {
			result.Record = rec
		}
	}
}

func (r *Reconciler) load(ctx context.Context, documentID string) (*models.DocumentInstance, error) {
	return loadRecord(ctx, r.store, r.config.OperationTimeout, documentID)
}

func (r *Reconciler) put(ctx context.Context, rec *models.DocumentInstance, expected int64) error {
	return putRecord(ctx, r.store, r.config.OperationTimeout, rec, expected)
}

// loadRecord returns nil without error when the record does not exist.
func loadRecord(ctx context.Context, store tracking.Store, timeout time.Duration, documentID string) (*models.DocumentInstance, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, err := store.Get(opCtx, documentID)
	if errors.Is(err, tracking.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, timeoutAsUnavailable("get", err)
	}
	return rec, nil
}

func putRecord(ctx context.Context, store tracking.Store, timeout time.Duration, rec *models.DocumentInstance, expected int64) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := store.PutIfVersion(opCtx, rec, expected); err != nil {
		return timeoutAsUnavailable("put", err)
	}
	return nil
}

func timeoutAsUnavailable(op string, err error) error {
	if tracking.IsUnavailable(err) || tracking.IsConflict(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &tracking.UnavailableError{Op: op, Err: err}
	}
	return err
}

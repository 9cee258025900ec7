package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/envelope"
	"github.com/Lllllllleong/documenttracker/internal/models"
)

// Disposition tells the transport what to do with a delivered message.
type Disposition int

const (
	// Ack removes the message from the bus.
	Ack Disposition = iota
	// Retry asks the bus to redeliver the message later.
	Retry
	// DeadLettered means a copy was stored in the dead-letter sink and the message can be removed.
	DeadLettered
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLettered:
		return "dead-lettered"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// DeadLetterSink stores messages that will never be applied.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, rec models.DeadLetterRecord) error
}

// Applier applies a decoded event. *Reconciler implements it.
type Applier interface {
	Apply(ctx context.Context, ev models.Event) (*Result, error)
}

// Dispatcher decodes bus deliveries, applies them and maps the outcome onto a Disposition.
// No message is dropped unless a dead-letter copy was written first.
type Dispatcher struct {
	applier             Applier
	sink                DeadLetterSink
	maxOrphanDeliveries int
	maxFailedDeliveries int
	logger              *slog.Logger
	now                 func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(applier Applier, sink DeadLetterSink, cfg ReconcilerConfig, opts ...Option) (*Dispatcher, error) {
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("dead-letter sink cannot be nil")
	}
	if cfg.MaxOrphanDeliveries < 1 || cfg.MaxFailedDeliveries < 1 {
		return nil, fmt.Errorf("max orphan and failed deliveries must be at least 1")
	}
	o := buildOptions(opts)
	return &Dispatcher{
		applier:             applier,
		sink:                sink,
		maxOrphanDeliveries: cfg.MaxOrphanDeliveries,
		maxFailedDeliveries: cfg.MaxFailedDeliveries,
		logger:              o.logger,
		now:                 o.now,
	}, nil
}

// Handle processes one delivery.
func (d *Dispatcher) Handle(ctx context.Context, delivery models.Delivery) Disposition {
	logCtx := d.logger.With("messageId", delivery.MessageID, "attempt", delivery.Attempt)

	ev, err := envelope.Parse(delivery.Data)
	if err != nil {
		logCtx.Warn("Rejecting malformed event.", "error", err)
		return d.deadLetter(ctx, delivery, models.DeadLetterMalformed, err, logCtx)
	}
	logCtx = logCtx.With("documentId", ev.Target(), "eventType", ev.Type())

	result, err := d.applier.Apply(ctx, ev)
	switch {
	case err == nil:
		logCtx.Debug("Event handled.", "outcome", result.Outcome, "attempts", result.Attempts)
		return Ack
	case IsOrphan(err):
		if exhausted(delivery.Attempt, d.maxOrphanDeliveries) {
			logCtx.Warn("Orphan event exceeded its delivery budget.", "maxDeliveries", d.maxOrphanDeliveries)
			return d.deadLetter(ctx, delivery, models.DeadLetterOrphan, err, logCtx)
		}
		logCtx.Info("Orphan event scheduled for redelivery.")
		return Retry
	case IsTransient(err):
		// Outages and contention are retried without limit.
		logCtx.Warn("Transient failure, scheduling redelivery.", "error", err)
		return Retry
	default:
		if exhausted(delivery.Attempt, d.maxFailedDeliveries) {
			logCtx.Error("Event keeps failing, giving up.", "maxDeliveries", d.maxFailedDeliveries, "error", err)
			return d.deadLetter(ctx, delivery, models.DeadLetterFailed, err, logCtx)
		}
		logCtx.Error("Failed to apply event, scheduling redelivery.", "error", err)
		return Retry
	}
}

// exhausted reports whether a delivery used up its budget. Attempt 0 means the bus does not
// count deliveries, so no budget can be enforced.
func exhausted(attempt, budget int) bool {
	return attempt > 0 && attempt >= budget
}

// HandleErr adapts Handle to transports that signal redelivery through a returned error.
func (d *Dispatcher) HandleErr(ctx context.Context, delivery models.Delivery) error {
	if disp := d.Handle(ctx, delivery); disp == Retry {
		return fmt.Errorf("message %s not handled, requesting redelivery", delivery.MessageID)
	}
	return nil
}

// Reject dead-letters a delivery the transport could not even unwrap.
func (d *Dispatcher) Reject(ctx context.Context, delivery models.Delivery, cause error) Disposition {
	logCtx := d.logger.With("messageId", delivery.MessageID, "attempt", delivery.Attempt)
	logCtx.Warn("Rejecting unreadable message.", "error", cause)
	return d.deadLetter(ctx, delivery, models.DeadLetterMalformed, cause, logCtx)
}

func (d *Dispatcher) deadLetter(ctx context.Context, delivery models.Delivery, reason models.DeadLetterReason, cause error, logCtx *slog.Logger) Disposition {
	rec := models.DeadLetterRecord{
		MessageID:  delivery.MessageID,
		Source:     delivery.Source,
		Reason:     reason,
		Error:      cause.Error(),
		Attempt:    delivery.Attempt,
		Payload:    delivery.Data,
		ReceivedAt: d.now().UTC(),
	}
	if err := d.sink.DeadLetter(ctx, rec); err != nil {
		logCtx.Error("Failed to dead-letter message, keeping it for redelivery.", "reason", reason, "error", err)
		return Retry
	}
	logCtx.Warn("Message dead-lettered.", "reason", reason)
	return DeadLettered
}

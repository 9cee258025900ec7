package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/services"
	"github.com/panjf2000/ants/v2"
)

// Handler decides the fate of one delivery. *services.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, delivery models.Delivery) services.Disposition
}

// Redelivery backoff bounds.
const (
	DefaultRetryBase = time.Second
	DefaultRetryMax  = time.Minute
)

// Worker feeds consumed messages to a Handler on a bounded goroutine pool.
type Worker struct {
	handler   Handler
	pool      *ants.Pool
	logger    *slog.Logger
	retryBase time.Duration
	retryMax  time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger. Default is slog.Default().
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRetryBackoff sets the redelivery delay for the first retry and its upper bound.
func WithRetryBackoff(base, limit time.Duration) WorkerOption {
	return func(w *Worker) {
		if base > 0 {
			w.retryBase = base
		}
		if limit >= w.retryBase {
			w.retryMax = limit
		}
	}
}

// NewWorker creates a Worker running at most poolSize handlers at once.
func NewWorker(handler Handler, poolSize int, opts ...WorkerOption) (*Worker, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	w := &Worker{
		handler:   handler,
		pool:      pool,
		logger:    slog.Default(),
		retryBase: DefaultRetryBase,
		retryMax:  DefaultRetryMax,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Release frees the pool.
func (w *Worker) Release() {
	w.pool.Release()
}

// Run handles messages until msgs is closed, then waits for in-flight handlers.
func (w *Worker) Run(ctx context.Context, msgs <-chan Message) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for msg := range msgs {
		wg.Add(1)
		if err := w.pool.Submit(func() {
			defer wg.Done()
			w.process(ctx, msg)
		}); err != nil {
			wg.Done()
			w.logger.Error("Failed to schedule message, requesting redelivery.", "subject", msg.Subject(), "error", err)
			_ = msg.Nak()
		}
	}
	return ctx.Err()
}

func (w *Worker) process(ctx context.Context, msg Message) {
	delivery := models.Delivery{Data: msg.Data(), Source: msg.Subject()}
	md, err := msg.Metadata()
	if err != nil {
		w.logger.Warn("Message has no delivery metadata.", "subject", msg.Subject(), "error", err)
	} else {
		delivery.Attempt = int(md.NumDelivered)
		delivery.MessageID = md.Stream + "-" + strconv.FormatUint(md.Sequence, 10)
	}

	disp := w.handler.Handle(ctx, delivery)

	var ackErr error
	switch disp {
	case services.Ack:
		ackErr = msg.Ack()
	case services.DeadLettered:
		ackErr = msg.Term()
	default:
		ackErr = msg.NakWithDelay(w.Backoff(delivery.Attempt))
	}
	if ackErr != nil {
		w.logger.Warn("Failed to settle message.", "messageId", delivery.MessageID, "disposition", disp, "error", ackErr)
	}
}

// Backoff returns the redelivery delay after the given delivery attempt.
func (w *Worker) Backoff(attempt int) time.Duration {
	delay := w.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.retryMax {
			return w.retryMax
		}
	}
	return delay
}

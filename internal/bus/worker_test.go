package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMessage records how it was settled.
type fakeMessage struct {
	data    []byte
	subject string
	md      MessageMetadata
	mdErr   error

	mu      sync.Mutex
	settled string
	delay   time.Duration
}

func (m *fakeMessage) Data() []byte    { return m.data }
func (m *fakeMessage) Subject() string { return m.subject }
func (m *fakeMessage) Ack() error      { return m.settle("ack", 0) }
func (m *fakeMessage) Nak() error      { return m.settle("nak", 0) }
func (m *fakeMessage) Term() error     { return m.settle("term", 0) }
func (m *fakeMessage) NakWithDelay(d time.Duration) error {
	return m.settle("nak", d)
}
func (m *fakeMessage) Metadata() (MessageMetadata, error) { return m.md, m.mdErr }

func (m *fakeMessage) settle(how string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled, m.delay = how, d
	return nil
}

func (m *fakeMessage) result() (string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled, m.delay
}

type fakeHandler struct {
	mu         sync.Mutex
	dispose    func(models.Delivery) services.Disposition
	deliveries []models.Delivery
}

func (h *fakeHandler) Handle(_ context.Context, d models.Delivery) services.Disposition {
	h.mu.Lock()
	h.deliveries = append(h.deliveries, d)
	h.mu.Unlock()
	return h.dispose(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runWorker(t *testing.T, h Handler, msgs ...*fakeMessage) {
	t.Helper()
	w, err := NewWorker(h, 4, WithWorkerLogger(quietLogger()), WithRetryBackoff(100*time.Millisecond, time.Second))
	require.NoError(t, err)
	defer w.Release()

	ch := make(chan Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	require.NoError(t, w.Run(context.Background(), ch))
}

func TestWorker_SettlesByDisposition(t *testing.T) {
	h := &fakeHandler{dispose: func(d models.Delivery) services.Disposition {
		switch string(d.Data) {
		case "ok":
			return services.Ack
		case "poison":
			return services.DeadLettered
		default:
			return services.Retry
		}
	}}
	ok := &fakeMessage{data: []byte("ok"), md: MessageMetadata{NumDelivered: 1, Sequence: 1, Stream: "S"}}
	poison := &fakeMessage{data: []byte("poison"), md: MessageMetadata{NumDelivered: 1, Sequence: 2, Stream: "S"}}
	retry := &fakeMessage{data: []byte("later"), md: MessageMetadata{NumDelivered: 3, Sequence: 3, Stream: "S"}}

	runWorker(t, h, ok, poison, retry)

	how, _ := ok.result()
	assert.Equal(t, "ack", how)
	how, _ = poison.result()
	assert.Equal(t, "term", how)
	how, delay := retry.result()
	assert.Equal(t, "nak", how)
	assert.Equal(t, 400*time.Millisecond, delay)
}

func TestWorker_BuildsDelivery(t *testing.T) {
	h := &fakeHandler{dispose: func(models.Delivery) services.Disposition { return services.Ack }}
	msg := &fakeMessage{
		data:    []byte(`{"event_type":"ChunkIndexed"}`),
		subject: "document-events.chunk",
		md:      MessageMetadata{NumDelivered: 2, Sequence: 42, Stream: "DOCUMENT_EVENTS"},
	}

	runWorker(t, h, msg)

	require.Len(t, h.deliveries, 1)
	d := h.deliveries[0]
	assert.Equal(t, "DOCUMENT_EVENTS-42", d.MessageID)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, "document-events.chunk", d.Source)
	assert.Equal(t, msg.data, d.Data)
}

func TestWorker_MissingMetadata(t *testing.T) {
	h := &fakeHandler{dispose: func(models.Delivery) services.Disposition { return services.Retry }}
	msg := &fakeMessage{data: []byte("x"), mdErr: errors.New("not a jetstream message")}

	runWorker(t, h, msg)

	require.Len(t, h.deliveries, 1)
	assert.Zero(t, h.deliveries[0].Attempt)
	how, delay := msg.result()
	assert.Equal(t, "nak", how)
	assert.Equal(t, 100*time.Millisecond, delay)
}

func TestWorker_Backoff(t *testing.T) {
	w, err := NewWorker(&fakeHandler{}, 1, WithRetryBackoff(time.Second, 10*time.Second))
	require.NoError(t, err)
	defer w.Release()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestWorker_Defaults(t *testing.T) {
	w, err := NewWorker(&fakeHandler{}, 1)
	require.NoError(t, err)
	defer w.Release()
	assert.Equal(t, DefaultRetryBase, w.Backoff(1))
	assert.Equal(t, DefaultRetryMax, w.Backoff(100))

	_, err = NewWorker(nil, 1)
	assert.Error(t, err)
}

func TestWorker_WithDispatcher(t *testing.T) {
	applier := &nopApplier{}
	sink := &recordingPublisher{}
	dlq, err := NewJetStreamDeadLetterSink(sink, "")
	require.NoError(t, err)
	d, err := services.NewDispatcher(applier, dlq, services.DefaultReconcilerConfig(), services.WithLogger(quietLogger()))
	require.NoError(t, err)

	bad := &fakeMessage{data: []byte("{"), subject: "document-events.x", md: MessageMetadata{NumDelivered: 1, Sequence: 7, Stream: "S"}}
	good := &fakeMessage{
		data: []byte(`{"event_type":"ProcessingCompleted","document_id":"A1","total_chunks":2}`),
		md:   MessageMetadata{NumDelivered: 1, Sequence: 8, Stream: "S"},
	}
	runWorker(t, d, bad, good)

	how, _ := bad.result()
	assert.Equal(t, "term", how)
	how, _ = good.result()
	assert.Equal(t, "ack", how)
	require.Len(t, sink.published(), 1)
	assert.Equal(t, "document-events-dlq.malformed", sink.published()[0].subject)
}

type nopApplier struct{}

func (nopApplier) Apply(_ context.Context, ev models.Event) (*services.Result, error) {
	return &services.Result{DocumentID: ev.Target(), Outcome: services.OutcomeNoOp}, nil
}

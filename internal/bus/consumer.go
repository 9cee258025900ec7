package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// Default stream layout for processing notifications.
const (
	DefaultStreamName    = "DOCUMENT_EVENTS"
	DefaultSubject       = "document-events.>"
	DefaultConsumerName  = "document-tracker"
	defaultChannelBuffer = 100
)

// ConsumerOptions configures the JetStream consumer.
type ConsumerOptions struct {
	StreamName     string
	FilterSubject  string
	ConsumerName   string
	ChannelBufSize int
	// FileStorage selects file-backed streams; memory storage otherwise.
	FileStorage bool
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.StreamName == "" {
		o.StreamName = DefaultStreamName
	}
	if o.FilterSubject == "" {
		o.FilterSubject = DefaultSubject
	}
	if o.ConsumerName == "" {
		o.ConsumerName = DefaultConsumerName
	}
	if o.ChannelBufSize <= 0 {
		o.ChannelBufSize = defaultChannelBuffer
	}
	return o
}

// Consumer delivers messages from a durable JetStream consumer.
type Consumer struct {
	js     jetstream.JetStream
	opts   ConsumerOptions
	logger *slog.Logger
}

// NewConsumer creates a Consumer. A nil logger means slog.Default().
func NewConsumer(js jetstream.JetStream, opts ConsumerOptions, logger *slog.Logger) (*Consumer, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{js: js, opts: opts.withDefaults(), logger: logger}, nil
}

// Subscribe ensures the stream and durable consumer exist and starts consuming.
// The channel is closed once ctx is cancelled. Each message must be acked, naked or termed.
//
// The consumer sets no MaxDeliver, so the server never drops a message behind the dispatcher's back.
func (c *Consumer) Subscribe(ctx context.Context) (<-chan Message, error) {
	storage := jetstream.MemoryStorage
	if c.opts.FileStorage {
		storage = jetstream.FileStorage
	}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{c.opts.FilterSubject},
		Storage:  storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", c.opts.StreamName, err)
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       c.opts.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.opts.FilterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", c.opts.ConsumerName, err)
	}

	msgCh := make(chan Message, c.opts.ChannelBufSize)
	// mu orders sends against close(msgCh).
	var mu sync.RWMutex
	closing := false

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		mu.RLock()
		defer mu.RUnlock()
		if closing {
			_ = msg.Nak()
			return
		}
		select {
		case msgCh <- WrapMessage(msg):
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		close(msgCh)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}
	c.logger.Info("Consumer subscribed.", "stream", c.opts.StreamName, "consumer", c.opts.ConsumerName)

	go func() {
		<-ctx.Done()
		cc.Stop()
		mu.Lock()
		closing = true
		close(msgCh)
		mu.Unlock()
		c.logger.Info("Consumer stopped.", "stream", c.opts.StreamName)
	}()

	return msgCh, nil
}

// Package bus connects the dispatcher to NATS JetStream.
package bus

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Message is a received bus message with acknowledgment controls.
type Message interface {
	// Data returns the raw message payload.
	Data() []byte

	// Subject returns the message subject.
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak requests immediate redelivery.
	Nak() error

	// NakWithDelay requests redelivery after a delay.
	NakWithDelay(delay time.Duration) error

	// Term stops redelivery of the message.
	Term() error

	// Metadata returns delivery metadata.
	Metadata() (MessageMetadata, error)
}

// MessageMetadata contains delivery information about a message.
type MessageMetadata struct {
	// NumDelivered is the 1-based delivery count.
	NumDelivered uint64
	// Sequence is the stream sequence, stable across redeliveries.
	Sequence  uint64
	Timestamp time.Time
	Stream    string
	Consumer  string
}

// natsMessage wraps a jetstream.Msg to implement Message.
type natsMessage struct {
	msg jetstream.Msg
}

// WrapMessage wraps a jetstream.Msg as a Message.
func WrapMessage(msg jetstream.Msg) Message {
	return &natsMessage{msg: msg}
}

func (m *natsMessage) Data() []byte                           { return m.msg.Data() }
func (m *natsMessage) Subject() string                        { return m.msg.Subject() }
func (m *natsMessage) Ack() error                             { return m.msg.Ack() }
func (m *natsMessage) Nak() error                             { return m.msg.Nak() }
func (m *natsMessage) NakWithDelay(delay time.Duration) error { return m.msg.NakWithDelay(delay) }
func (m *natsMessage) Term() error                            { return m.msg.Term() }

func (m *natsMessage) Metadata() (MessageMetadata, error) {
	md, err := m.msg.Metadata()
	if err != nil {
		return MessageMetadata{}, err
	}
	return MessageMetadata{
		NumDelivered: md.NumDelivered,
		Sequence:     md.Sequence.Stream,
		Timestamp:    md.Timestamp,
		Stream:       md.Stream,
		Consumer:     md.Consumer,
	}, nil
}

// Package bus defines the message transport between the engine and workers.
package bus

import (
	"context"
	"errors"
	"time"
)

// Priority is the delivery priority of a message. Higher priority messages are
// delivered before lower priority messages on the same topic.
type Priority int

const (
	// Low is the priority of background traffic.
	Low Priority = iota

	// Normal is the default priority.
	Normal

	// High is the priority of latency-sensitive traffic, such as replies.
	High

	// Control is the priority of control messages, which are delivered ahead
	// of all other traffic.
	Control
)

// Well-known topics.
const (
	// ReplyTopic is the topic on which workers publish results and errors.
	ReplyTopic = "orchestra.replies"

	// ControlTopic is the topic on which control envelopes are published to
	// the engine.
	ControlTopic = "orchestra.control"

	// EventTopic is the topic on which the engine publishes notable events,
	// such as escalations.
	EventTopic = "orchestra.events"
)

// WorkerTopic returns the topic that the worker with the given address
// consumes commands from.
func WorkerTopic(addr string) string {
	return "orchestra.worker." + addr
}

// Message is a unit of data sent over the bus.
type Message struct {
	// ID uniquely identifies the message.
	ID string

	// Topic is the destination of the message.
	Topic string

	// Priority is the delivery priority.
	Priority Priority

	// CorrelationID associates a reply with the command that caused it.
	CorrelationID string

	// DedupKey, if non-empty, identifies messages that are duplicates of one
	// another. A transport may discard a message if another with the same
	// key is already awaiting delivery on the same topic.
	DedupKey string

	// ReplyTo is the topic on which a reply is expected, if any.
	ReplyTo string

	// ExpiresAt is the time after which the message must not be delivered. A
	// zero value means the message never expires.
	ExpiresAt time.Time

	// Body is the encoded envelope.
	Body []byte
}

// Expired returns true if the message must not be delivered at time t.
func (m Message) Expired(t time.Time) bool {
	return !m.ExpiresAt.IsZero() && !t.Before(m.ExpiresAt)
}

// Handler processes a message delivered from a topic.
//
// If it returns a non-nil error the message is redelivered later.
type Handler func(ctx context.Context, m Message) error

// Bus is a priority-aware, at-least-once message transport.
type Bus interface {
	// Publish sends a message to m.Topic.
	Publish(ctx context.Context, m Message) error

	// Consume delivers messages from a topic to h until ctx is canceled.
	//
	// Multiple consumers of the same topic compete for messages.
	Consume(ctx context.Context, topic string, h Handler) error
}

// ErrClosed is returned by operations on a bus that has been closed.
var ErrClosed = errors.New("bus is closed")

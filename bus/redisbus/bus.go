// Package redisbus is an implementation of bus.Bus that uses Redis sorted
// sets as priority queues.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the default prefix applied to all Redis keys.
const DefaultKeyPrefix = "orchestra:"

// DefaultPollTimeout is the default duration a consumer blocks waiting for a
// message before checking whether it should stop.
const DefaultPollTimeout = time.Second

// DefaultRedeliveryBackoff is the default strategy used to delay redelivery of
// a message after its handler fails.
var DefaultRedeliveryBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(10*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 5*time.Second),
)

// Bus is a message bus stored in Redis.
//
// Each topic is a sorted set of message IDs, scored so that messages are
// popped in priority order, then in the order they were published. Message
// content is stored in a hash per message.
type Bus struct {
	// Client is the Redis client. The caller owns its lifecycle.
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key. If it is empty, DefaultKeyPrefix
	// is used.
	KeyPrefix string

	// PollTimeout is the duration a consumer blocks waiting for a message. If
	// it is zero, DefaultPollTimeout is used.
	PollTimeout time.Duration

	// RedeliveryBackoff computes the delay before a failed message is
	// redelivered. If it is nil, DefaultRedeliveryBackoff is used.
	RedeliveryBackoff backoff.Strategy

	// Logger is the target for log messages about dropped and redelivered
	// messages. If it is nil, logging.DefaultLogger is used.
	Logger logging.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Publish sends a message to m.Topic.
//
// If m.DedupKey is non-empty and a message with the same key is already
// queued on the topic, m is discarded.
func (b *Bus) Publish(ctx context.Context, m bus.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if m.DedupKey != "" {
		ttl := time.Duration(0)
		if !m.ExpiresAt.IsZero() {
			ttl = time.Until(m.ExpiresAt)
			if ttl <= 0 {
				return nil
			}
		}

		ok, err := b.Client.SetNX(ctx, b.dedupKey(m.Topic, m.DedupKey), m.ID, ttl).Result()
		if err != nil {
			return fmt.Errorf("unable to publish message %s: %w", m.ID, err)
		}

		if !ok {
			logging.Debug(b.logger(), "[bus %s] discarded duplicate message %s", m.Topic, m.ID)
			return nil
		}
	}

	seq, err := b.Client.Incr(ctx, b.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("unable to publish message %s: %w", m.ID, err)
	}

	return b.push(ctx, m, score(m.Priority, seq))
}

// Consume delivers messages from a topic to h until ctx is canceled.
func (b *Bus) Consume(ctx context.Context, topic string, h bus.Handler) error {
	for {
		m, s, ok, err := b.pop(ctx, topic)
		if err != nil {
			return err
		}

		if !ok {
			continue
		}

		if m.Expired(time.Now()) {
			logging.Debug(b.logger(), "[bus %s] dropped expired message %s", topic, m.ID)
			continue
		}

		if err := b.deliver(ctx, m, s, h); err != nil {
			return err
		}
	}
}

// deliver calls h until it succeeds, waiting between attempts.
//
// If ctx is canceled the message is put back on the queue at its original
// position so that another consumer can receive it.
func (b *Bus) deliver(
	ctx context.Context,
	m bus.Message,
	s float64,
	h bus.Handler,
) error {
	var failures uint

	for {
		err := h(ctx, m)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return b.restore(m, s, ctx.Err())
		}

		failures++
		d := b.backoff()(err, failures)

		logging.Log(
			b.logger(),
			"[bus %s] redelivering message %s in %s: %s",
			m.Topic,
			m.ID,
			d,
			err,
		)

		if err := linger.Sleep(ctx, d); err != nil {
			return b.restore(m, s, err)
		}

		if m.Expired(time.Now()) {
			return nil
		}
	}
}

// restore puts m back on its queue, then returns cause.
func (b *Bus) restore(m bus.Message, s float64, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.push(ctx, m, s); err != nil {
		logging.Log(b.logger(), "[bus %s] unable to restore message %s: %s", m.Topic, m.ID, err)
	}

	return cause
}

func (b *Bus) push(ctx context.Context, m bus.Message, s float64) error {
	pipe := b.Client.TxPipeline()
	pipe.HSet(ctx, b.messageKey(m.ID), marshalMessage(m))
	if !m.ExpiresAt.IsZero() {
		pipe.PExpireAt(ctx, b.messageKey(m.ID), m.ExpiresAt)
	}
	pipe.ZAdd(ctx, b.queueKey(m.Topic), redis.Z{Score: s, Member: m.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unable to publish message %s: %w", m.ID, err)
	}

	return nil
}

// pop removes the next message from a topic's queue.
//
// ok is false if no message arrived within the poll timeout, or if the
// message's content has expired.
func (b *Bus) pop(ctx context.Context, topic string) (_ bus.Message, _ float64, ok bool, _ error) {
	z, err := b.Client.BZPopMin(ctx, b.pollTimeout(), b.queueKey(topic)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return bus.Message{}, 0, false, ctx.Err()
		}

		if ctx.Err() != nil {
			return bus.Message{}, 0, false, ctx.Err()
		}

		return bus.Message{}, 0, false, fmt.Errorf("unable to consume from %s: %w", topic, err)
	}

	id, _ := z.Member.(string)
	key := b.messageKey(id)

	pipe := b.Client.TxPipeline()
	get := pipe.HGetAll(ctx, key)
	pipe.Del(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return bus.Message{}, 0, false, fmt.Errorf("unable to consume from %s: %w", topic, err)
	}

	if len(get.Val()) == 0 {
		return bus.Message{}, 0, false, nil
	}

	m, err := unmarshalMessage(get.Val())
	if err != nil {
		logging.Log(b.logger(), "[bus %s] dropped malformed message %s: %s", topic, id, err)
		return bus.Message{}, 0, false, nil
	}

	if m.DedupKey != "" {
		b.Client.Del(ctx, b.dedupKey(topic, m.DedupKey))
	}

	return m, z.Score, true, nil
}

// score returns the sorted-set score of a message. Lower scores are popped
// first, so higher priorities map to lower scores.
func score(p bus.Priority, seq int64) float64 {
	return float64(bus.Control-p)*1e15 + float64(seq)
}

func marshalMessage(m bus.Message) map[string]any {
	expires := ""
	if !m.ExpiresAt.IsZero() {
		expires = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	return map[string]any{
		"id":          m.ID,
		"topic":       m.Topic,
		"priority":    strconv.Itoa(int(m.Priority)),
		"correlation": m.CorrelationID,
		"dedup":       m.DedupKey,
		"reply_to":    m.ReplyTo,
		"expires_at":  expires,
		"body":        m.Body,
	}
}

func unmarshalMessage(vals map[string]string) (bus.Message, error) {
	p, err := strconv.Atoi(vals["priority"])
	if err != nil {
		return bus.Message{}, fmt.Errorf("invalid priority: %w", err)
	}

	m := bus.Message{
		ID:            vals["id"],
		Topic:         vals["topic"],
		Priority:      bus.Priority(p),
		CorrelationID: vals["correlation"],
		DedupKey:      vals["dedup"],
		ReplyTo:       vals["reply_to"],
		Body:          []byte(vals["body"]),
	}

	if s := vals["expires_at"]; s != "" {
		m.ExpiresAt, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return bus.Message{}, fmt.Errorf("invalid expiry: %w", err)
		}
	}

	return m, nil
}

func (b *Bus) key(k string) string {
	if b.KeyPrefix != "" {
		return b.KeyPrefix + k
	}

	return DefaultKeyPrefix + k
}

func (b *Bus) queueKey(topic string) string {
	return b.key("queue:" + topic)
}

func (b *Bus) messageKey(id string) string {
	return b.key("message:" + id)
}

func (b *Bus) dedupKey(topic, k string) string {
	return b.key("dedup:" + topic + ":" + k)
}

func (b *Bus) pollTimeout() time.Duration {
	if b.PollTimeout > 0 {
		return b.PollTimeout
	}

	return DefaultPollTimeout
}

func (b *Bus) backoff() backoff.Strategy {
	if b.RedeliveryBackoff != nil {
		return b.RedeliveryBackoff
	}

	return DefaultRedeliveryBackoff
}

func (b *Bus) logger() logging.Logger {
	if b.Logger != nil {
		return b.Logger
	}

	return logging.DefaultLogger
}

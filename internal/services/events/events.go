// Package events publishes queue lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/BearBump/StationQueue/internal/broker/messages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Publisher is safe to use as a nil pointer: events are then dropped.
type Publisher struct {
	producer Producer
	topic    string
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

func NewPublisher(producer Producer, topic string) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		attempts: 3,
		backoff:  100 * time.Millisecond,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) WithRetry(attempts int, backoff time.Duration) *Publisher {
	if attempts > 0 {
		p.attempts = attempts
	}
	if backoff >= 0 {
		p.backoff = backoff
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, ev messages.QueueEvent) error {
	if p == nil || p.producer == nil {
		return nil
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now()
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal queue event")
	}
	key := []byte(strconv.FormatInt(ev.DriverID, 10))

	// Kafka может быть не готова сразу после старта, поэтому несколько попыток.
	var pubErr error
	for i := 0; i < p.attempts; i++ {
		if pubErr = p.producer.Publish(ctx, p.topic, key, b); pubErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(pubErr, ev.Type)
		case <-time.After(time.Duration(i+1) * p.backoff):
		}
	}
	return errors.Wrap(pubErr, ev.Type)
}

func Distance(m float64) *float64 {
	return &m
}

// Package kafkaevents receives driver actions that an external chat frontend relays through Kafka.
package kafkaevents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/StationQueue/internal/broker/messages"
	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/pkg/errors"
)

type Consumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type Receiver struct {
	c Consumer
}

func New(c Consumer) *Receiver {
	return &Receiver{c: c}
}

// Receive commits every message it has looked at: undecodable payloads and handler
// failures are logged, never retried.
func (r *Receiver) Receive(ctx context.Context, h messenger.Handler) error {
	err := r.c.Consume(ctx, func(key, value []byte) error {
		ev, err := Decode(value)
		if err != nil {
			slog.Warn("skip inbound event", "key", string(key), "error", err.Error())
			return nil
		}
		if err := h(ctx, ev); err != nil {
			slog.Error("handle inbound event", "kind", ev.Kind, "chat_id", ev.ChatID, "error", err.Error())
		}
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func Decode(value []byte) (messenger.Event, error) {
	var in messages.InboundEvent
	if err := json.Unmarshal(value, &in); err != nil {
		return messenger.Event{}, errors.Wrap(err, "decode inbound event")
	}

	kind := messenger.EventKind(in.Kind)
	if !kind.Valid() {
		return messenger.Event{}, errors.Errorf("unknown event kind %q", in.Kind)
	}
	if in.ChatID == 0 {
		return messenger.Event{}, errors.New("missing chat_id")
	}

	ev := messenger.Event{Kind: kind, ChatID: in.ChatID, DisplayName: in.DisplayName}
	switch kind {
	case messenger.KindStaticLocation, messenger.KindLiveLocationStart, messenger.KindLiveLocationUpdate:
		if in.Lat == nil || in.Lon == nil {
			return messenger.Event{}, errors.Errorf("%s without coordinates", kind)
		}
		ev.Position = models.Coordinate{Lat: *in.Lat, Lon: *in.Lon}
	}
	return ev, nil
}

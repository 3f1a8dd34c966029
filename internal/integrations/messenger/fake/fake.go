// Package fake is an in-memory messenger for tests and local runs without a bot token.
package fake

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/pkg/errors"
)

type Sent struct {
	ChatID    int64
	MessageID int64
	Msg       messenger.Outgoing
}

type Edited struct {
	ChatID    int64
	MessageID int64
	Text      string
}

// Gateway records every call. Edit with the text a message already has returns
// messenger.ErrUnchanged, the way the real API does.
type Gateway struct {
	mu       sync.Mutex
	nextID   int64
	texts    map[int64]string
	sent     []Sent
	edits    []Edited
	sendErrs map[int64]error
	editErrs map[int64]error
}

func NewGateway() *Gateway {
	return &Gateway{
		texts:    make(map[int64]string),
		sendErrs: make(map[int64]error),
		editErrs: make(map[int64]error),
	}
}

// FailSend makes every Send to chatID fail with err; nil clears it.
func (g *Gateway) FailSend(chatID int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.sendErrs, chatID)
		return
	}
	g.sendErrs[chatID] = err
}

func (g *Gateway) FailEdit(chatID int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.editErrs, chatID)
		return
	}
	g.editErrs[chatID] = err
}

func (g *Gateway) Send(ctx context.Context, chatID int64, msg messenger.Outgoing) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.sendErrs[chatID]; err != nil {
		return 0, err
	}
	g.nextID++
	g.texts[g.nextID] = msg.Text
	g.sent = append(g.sent, Sent{ChatID: chatID, MessageID: g.nextID, Msg: msg})
	return g.nextID, nil
}

func (g *Gateway) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.editErrs[chatID]; err != nil {
		return err
	}
	old, ok := g.texts[messageID]
	if !ok {
		return errors.Errorf("message %d not found", messageID)
	}
	if old == text {
		return messenger.ErrUnchanged
	}
	g.texts[messageID] = text
	g.edits = append(g.edits, Edited{ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

// SentTo returns the messages sent to chatID in order.
func (g *Gateway) SentTo(chatID int64) []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Sent
	for _, s := range g.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (g *Gateway) EditsOf(messageID int64) []Edited {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Edited
	for _, e := range g.edits {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out
}

func (g *Gateway) Text(messageID int64) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.texts[messageID]
}

// Receiver hands out events pushed with Push.
type Receiver struct {
	ch chan messenger.Event
}

func NewReceiver(buffer int) *Receiver {
	return &Receiver{ch: make(chan messenger.Event, buffer)}
}

func (r *Receiver) Push(ev messenger.Event) {
	r.ch <- ev
}

// Close ends Receive once the buffered events are delivered.
func (r *Receiver) Close() {
	close(r.ch)
}

func (r *Receiver) Receive(ctx context.Context, h messenger.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			if err := h(ctx, ev); err != nil {
				slog.Error("handle fake event", "kind", ev.Kind, "chat_id", ev.ChatID, "error", err.Error())
			}
		}
	}
}

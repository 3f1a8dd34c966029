package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/stretchr/testify/require"
)

func TestGateway_SendAndEdit(t *testing.T) {
	g := NewGateway()
	ctx := context.Background()

	id, err := g.Send(ctx, 1, messenger.Outgoing{Text: "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.ErrorIs(t, g.Edit(ctx, 1, id, "a"), messenger.ErrUnchanged)
	require.NoError(t, g.Edit(ctx, 1, id, "b"))
	require.Equal(t, "b", g.Text(id))
	require.Len(t, g.EditsOf(id), 1)
	require.Error(t, g.Edit(ctx, 1, 999, "x"))

	_, err = g.Send(ctx, 2, messenger.Outgoing{Text: "c"})
	require.NoError(t, err)
	require.Len(t, g.SentTo(1), 1)
	require.Len(t, g.SentTo(2), 1)
}

func TestGateway_InjectedFailures(t *testing.T) {
	g := NewGateway()
	ctx := context.Background()
	boom := errors.New("boom")

	g.FailSend(1, boom)
	_, err := g.Send(ctx, 1, messenger.Outgoing{Text: "a"})
	require.ErrorIs(t, err, boom)
	g.FailSend(1, nil)
	id, err := g.Send(ctx, 1, messenger.Outgoing{Text: "a"})
	require.NoError(t, err)

	g.FailEdit(1, boom)
	require.ErrorIs(t, g.Edit(ctx, 1, id, "b"), boom)
}

func TestReceiver_DeliversUntilClosed(t *testing.T) {
	r := NewReceiver(2)
	r.Push(messenger.Event{Kind: messenger.KindStart, ChatID: 1})
	r.Push(messenger.Event{Kind: messenger.KindOffline, ChatID: 1})
	r.Close()

	var kinds []messenger.EventKind
	err := r.Receive(context.Background(), func(ctx context.Context, ev messenger.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []messenger.EventKind{messenger.KindStart, messenger.KindOffline}, kinds)
}

func TestReceiver_StopsOnCancel(t *testing.T) {
	r := NewReceiver(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Receive(ctx, func(ctx context.Context, ev messenger.Event) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestReceiver_HandlerErrorDoesNotStop(t *testing.T) {
	r := NewReceiver(2)
	r.Push(messenger.Event{Kind: messenger.KindPause, ChatID: 1})
	r.Push(messenger.Event{Kind: messenger.KindResume, ChatID: 1})
	r.Close()

	n := 0
	err := r.Receive(context.Background(), func(ctx context.Context, ev messenger.Event) error {
		n++
		return errors.New("store down")
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

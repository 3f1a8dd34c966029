// Package dispatcher applies inbound driver actions to the presence store.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/StationQueue/internal/broker/messages"
	"github.com/BearBump/StationQueue/internal/geo"
	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/BearBump/StationQueue/internal/services/events"
	"github.com/BearBump/StationQueue/internal/services/queue"
	"github.com/pkg/errors"
)

const (
	StartText     = "👋 Share your <b>Live Location</b> to join the queue."
	LiveOnlyText  = "⚠️ Please share a <b>Live Location</b>, not a one-time pin."
	NoStationText = "❌ No known station nearby."
	PausedText    = "☕️ On a break."
	ResumedText   = "🚀 Back to work."
	LeftText      = "👋 You left the queue."
)

func TooFarText(distance float64) string {
	return fmt.Sprintf("❌ You are too far from the station (%dm). Come closer to join the queue.", int(distance))
}

type Repository interface {
	UpsertActive(ctx context.Context, in models.DriverUpsert) (*models.Driver, error)
	UpdatePosition(ctx context.Context, id int64, station string, pos models.Coordinate) error
	SetStatus(ctx context.Context, id int64, status models.DriverStatus) error
	// Deactivate reports whether the driver was queued until this call.
	Deactivate(ctx context.Context, id int64) (bool, error)
	SetDisplayRef(ctx context.Context, id int64, ref int64) error
}

type Resolver interface {
	Resolve(pos models.Coordinate) geo.Resolution
}

type ViewBuilder interface {
	Build(ctx context.Context, station string, driverID int64, distance float64) (queue.View, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev messages.QueueEvent) error
}

// Trigger asks the reconciliation loop for an immediate tick.
type Trigger interface {
	Trigger()
}

type Dispatcher struct {
	repo     Repository
	resolver Resolver
	views    ViewBuilder
	gateway  messenger.Gateway
	pub      Publisher
	trigger  Trigger

	allowedRadius     float64
	enforceJoinRadius bool

	now func() time.Time
}

func New(repo Repository, resolver Resolver, views ViewBuilder, gateway messenger.Gateway) *Dispatcher {
	return &Dispatcher{
		repo: repo, resolver: resolver, views: views, gateway: gateway,
		pub:               (*events.Publisher)(nil),
		allowedRadius:     500,
		enforceJoinRadius: true,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) WithJoinPolicy(allowedRadius float64, enforce bool) *Dispatcher {
	if allowedRadius > 0 {
		d.allowedRadius = allowedRadius
	}
	d.enforceJoinRadius = enforce
	return d
}

func (d *Dispatcher) WithEvents(p Publisher) *Dispatcher {
	if p != nil {
		d.pub = p
	}
	return d
}

func (d *Dispatcher) WithTrigger(t Trigger) *Dispatcher {
	d.trigger = t
	return d
}

func (d *Dispatcher) Handle(ctx context.Context, ev messenger.Event) error {
	switch ev.Kind {
	case messenger.KindStart:
		return d.reply(ctx, ev.ChatID, messenger.Outgoing{Text: StartText, HTML: true})
	case messenger.KindStaticLocation:
		return d.reply(ctx, ev.ChatID, messenger.Outgoing{Text: LiveOnlyText, HTML: true})
	case messenger.KindLiveLocationStart:
		return d.join(ctx, ev)
	case messenger.KindLiveLocationUpdate:
		return d.move(ctx, ev)
	case messenger.KindPause:
		return d.setStatus(ctx, ev.ChatID, models.DriverStatusPaused)
	case messenger.KindResume:
		return d.setStatus(ctx, ev.ChatID, models.DriverStatusOnline)
	case messenger.KindOffline:
		return d.leave(ctx, ev.ChatID)
	default:
		return errors.Errorf("unsupported event kind %q", ev.Kind)
	}
}

func (d *Dispatcher) join(ctx context.Context, ev messenger.Event) error {
	res := d.resolver.Resolve(ev.Position)
	if !res.Known() {
		return d.reply(ctx, ev.ChatID, messenger.Outgoing{Text: NoStationText, HTML: true})
	}
	if d.enforceJoinRadius && res.Distance > d.allowedRadius {
		d.publish(ctx, messages.QueueEvent{
			Type: messages.QueueEventRejected, DriverID: ev.ChatID, Station: res.Station, Distance: events.Distance(res.Distance),
		})
		return d.reply(ctx, ev.ChatID, messenger.Outgoing{Text: TooFarText(res.Distance), HTML: true})
	}

	name := ev.DisplayName
	if name == "" {
		name = fmt.Sprintf("Driver #%d", ev.ChatID)
	}
	// postgres keeps microseconds
	now := d.now().Truncate(time.Microsecond)
	drv, err := d.repo.UpsertActive(ctx, models.DriverUpsert{
		ID: ev.ChatID, DisplayName: name, Station: res.Station, Position: ev.Position, Now: now,
	})
	if err != nil {
		return errors.Wrap(err, "enqueue driver")
	}
	// an already-active driver keeps its original joined_at
	fresh := drv.JoinedAt.Equal(now)

	view, err := d.views.Build(ctx, drv.Station, drv.ID, res.Distance)
	if err != nil {
		return err
	}
	kb := messenger.OnlineKeyboard
	if drv.Status == models.DriverStatusPaused {
		kb = messenger.PausedKeyboard
	}
	msgID, err := d.gateway.Send(ctx, ev.ChatID, messenger.Outgoing{Text: view.Text(), HTML: true, Keyboard: kb})
	if err != nil {
		return errors.Wrap(err, "send queue view")
	}
	if err := d.repo.SetDisplayRef(ctx, drv.ID, msgID); err != nil {
		return errors.Wrap(err, "store display ref")
	}

	slog.Info("driver joined", "driver_id", drv.ID, "station", drv.Station, "rank", view.Rank, "total", view.Total, "fresh", fresh)
	if fresh {
		d.publish(ctx, messages.QueueEvent{
			Type: messages.QueueEventJoined, DriverID: drv.ID, Station: drv.Station,
			Distance: events.Distance(res.Distance), Rank: view.Rank, Total: view.Total,
		})
	}
	d.kick()
	return nil
}

// move records the new position only; eviction is decided by the reconciliation loop.
func (d *Dispatcher) move(ctx context.Context, ev messenger.Event) error {
	res := d.resolver.Resolve(ev.Position)
	station := ""
	if res.Known() {
		station = res.Station
	}
	return errors.Wrap(d.repo.UpdatePosition(ctx, ev.ChatID, station, ev.Position), "move driver")
}

func (d *Dispatcher) setStatus(ctx context.Context, id int64, status models.DriverStatus) error {
	if err := d.repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	out := messenger.Outgoing{Text: ResumedText, Keyboard: messenger.OnlineKeyboard}
	if status == models.DriverStatusPaused {
		out = messenger.Outgoing{Text: PausedText, Keyboard: messenger.PausedKeyboard}
	}
	if err := d.reply(ctx, id, out); err != nil {
		return err
	}
	d.kick()
	return nil
}

// leave always confirms to the chat, but only a driver that was actually queued produces
// a left event and a reconcile kick.
func (d *Dispatcher) leave(ctx context.Context, id int64) error {
	left, err := d.repo.Deactivate(ctx, id)
	if err != nil {
		return err
	}
	if left {
		d.publish(ctx, messages.QueueEvent{Type: messages.QueueEventLeft, DriverID: id})
	}
	if err := d.reply(ctx, id, messenger.Outgoing{Text: LeftText, RemoveKeyboard: true}); err != nil {
		return err
	}
	if left {
		d.kick()
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, out messenger.Outgoing) error {
	if _, err := d.gateway.Send(ctx, chatID, out); err != nil {
		return errors.Wrap(err, "send reply")
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, ev messages.QueueEvent) {
	if err := d.pub.Publish(ctx, ev); err != nil {
		slog.Warn("publish queue event", "type", ev.Type, "driver_id", ev.DriverID, "error", err.Error())
	}
}

func (d *Dispatcher) kick() {
	if d.trigger != nil {
		d.trigger.Trigger()
	}
}

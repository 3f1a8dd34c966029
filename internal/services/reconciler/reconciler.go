// Package reconciler re-evaluates every active driver on a fixed tick: geofence eviction,
// rank, first-in-line alert and the live view edit.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
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
	EvictedText    = "❌ <b>Too far from the station!</b> You were removed from the queue."
	FirstPlaceText = "🔔 <b>Attention! You are first in line!</b> Get ready."
)

// Repository writes are guarded by the ListActive snapshot: MoveStation and Evict report
// false when the row changed after it was listed.
type Repository interface {
	ListActive(ctx context.Context) ([]models.ActiveDriver, error)
	MoveStation(ctx context.Context, snap models.ActiveDriver, station string) (bool, error)
	Evict(ctx context.Context, snap models.ActiveDriver) (bool, error)
	SetNotified(ctx context.Context, id int64, notified bool) (bool, error)
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

type RateLimiter interface {
	AllowEdit(ctx context.Context, at time.Time, perSecond int64) (bool, int64, error)
}

type ViewCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type Reconciler struct {
	repo     Repository
	resolver Resolver
	views    ViewBuilder
	gateway  messenger.Gateway
	pub      Publisher
	rl       RateLimiter
	cache    ViewCache

	tickInterval   time.Duration
	concurrency    int
	driverTimeout  time.Duration
	allowedRadius  float64
	evictionMargin float64
	evictionOn     bool
	alertOn        bool
	editsPerSecond int64
	viewCacheTTL   time.Duration

	now func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastTickUnixNano    atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalTicks          atomic.Int64
	totalProcessed      atomic.Int64
	totalEvicted        atomic.Int64
	totalAlerted        atomic.Int64
	totalEdits          atomic.Int64
	totalUnchanged      atomic.Int64
	totalThrottled      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, resolver Resolver, views ViewBuilder, gateway messenger.Gateway) *Reconciler {
	return &Reconciler{
		repo: repo, resolver: resolver, views: views, gateway: gateway,
		pub:               (*events.Publisher)(nil),
		tickInterval:      5 * time.Second,
		concurrency:       16,
		driverTimeout:     10 * time.Second,
		allowedRadius:     500,
		evictionMargin:    200,
		evictionOn:        true,
		alertOn:           true,
		viewCacheTTL:      time.Minute,
		now:               func() time.Time { return time.Now().UTC() },
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Reconciler) WithSettings(tickInterval time.Duration, concurrency int, driverTimeout time.Duration) *Reconciler {
	if tickInterval > 0 {
		r.tickInterval = tickInterval
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if driverTimeout > 0 {
		r.driverTimeout = driverTimeout
	}
	return r
}

// WithGeofence sets the eviction threshold: a driver is evicted when farther than
// allowedRadius+margin from the nearest station.
func (r *Reconciler) WithGeofence(allowedRadius, margin float64) *Reconciler {
	if allowedRadius > 0 {
		r.allowedRadius = allowedRadius
	}
	if margin >= 0 {
		r.evictionMargin = margin
	}
	return r
}

func (r *Reconciler) WithFeatures(eviction, firstPlaceAlert bool) *Reconciler {
	r.evictionOn = eviction
	r.alertOn = firstPlaceAlert
	return r
}

func (r *Reconciler) WithEvents(p Publisher) *Reconciler {
	if p != nil {
		r.pub = p
	}
	return r
}

// WithEditThrottle caps view edits across all replicas to perSecond.
func (r *Reconciler) WithEditThrottle(rl RateLimiter, perSecond int64) *Reconciler {
	r.rl = rl
	r.editsPerSecond = perSecond
	return r
}

func (r *Reconciler) WithViewCache(c ViewCache, ttl time.Duration) *Reconciler {
	r.cache = c
	if ttl > 0 {
		r.viewCacheTTL = ttl
	}
	return r
}

// Trigger forces an immediate tick (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastTickAt     *time.Time `json:"lastTickAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalTicks     int64      `json:"totalTicks"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalEvicted   int64      `json:"totalEvicted"`
	TotalAlerted   int64      `json:"totalAlerted"`
	TotalEdits     int64      `json:"totalEdits"`
	TotalUnchanged int64      `json:"totalUnchanged"`
	TotalThrottled int64      `json:"totalThrottled"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalTicks:     r.totalTicks.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalEvicted:   r.totalEvicted.Load(),
		TotalAlerted:   r.totalAlerted.Load(),
		TotalEdits:     r.totalEdits.Load(),
		TotalUnchanged: r.totalUnchanged.Load(),
		TotalThrottled: r.totalThrottled.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastTickUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTickAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

// Run ticks until ctx is cancelled. A tick in progress is finished on a detached context.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.tickInterval)
	defer t.Stop()

	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(tickCtx)
		case <-r.triggerCh:
			r.runOnce(tickCtx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	r.lastTickUnixNano.Store(r.now().UnixNano())
	r.totalTicks.Add(1)

	drivers, err := r.repo.ListActive(ctx)
	if err != nil {
		slog.Error("list active drivers", "error", err.Error())
		r.recordError(err)
		return
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, d := range drivers {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func(d models.ActiveDriver) {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, d); err != nil {
				r.recordError(err)
				slog.Error("reconcile driver", "driver_id", d.ID, "station", d.Station, "error", err.Error())
			}
			r.totalProcessed.Add(1)
		}(d)
	}
	wg.Wait()
}

func (r *Reconciler) recordError(err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func (r *Reconciler) processOne(ctx context.Context, d models.ActiveDriver) error {
	ctx, cancel := context.WithTimeout(ctx, r.driverTimeout)
	defer cancel()

	res := r.resolver.Resolve(d.Position)
	if !res.Known() {
		slog.Debug("station unresolved, skipping", "driver_id", d.ID)
		return nil
	}

	if r.evictionOn && res.Distance > r.allowedRadius+r.evictionMargin {
		return r.evict(ctx, d, res)
	}

	station := d.Station
	if res.Station != d.Station {
		// drift to another station keeps joined_at
		moved, err := r.repo.MoveStation(ctx, d, res.Station)
		if err != nil {
			return err
		}
		if !moved {
			slog.Debug("driver changed since snapshot, skipping", "driver_id", d.ID)
			return nil
		}
		station = res.Station
	}

	view, err := r.views.Build(ctx, station, d.ID, res.Distance)
	if err != nil {
		return err
	}

	var alertErr error
	if r.alertOn {
		alertErr = r.detectFirstPlace(ctx, d, view)
	}
	var refreshErr error
	if d.DisplayRef != 0 {
		refreshErr = r.refresh(ctx, d, view)
	}
	if alertErr != nil {
		return alertErr
	}
	return refreshErr
}

// evict deactivates before notifying, so a failed send never leaves the driver queued.
// A driver that moved back, left or rejoined after the snapshot is left alone.
func (r *Reconciler) evict(ctx context.Context, d models.ActiveDriver, res geo.Resolution) error {
	evicted, err := r.repo.Evict(ctx, d)
	if err != nil {
		return err
	}
	if !evicted {
		slog.Debug("driver changed since snapshot, not evicting", "driver_id", d.ID)
		return nil
	}
	r.totalEvicted.Add(1)
	slog.Info("driver evicted", "driver_id", d.ID, "station", res.Station, "distance_m", int(res.Distance))

	if r.cache != nil {
		if err := r.cache.Del(ctx, viewKey(d.ID, d.DisplayRef)); err != nil {
			slog.Warn("drop cached view", "driver_id", d.ID, "error", err.Error())
		}
	}
	if err := r.pub.Publish(ctx, messages.QueueEvent{
		Type: messages.QueueEventEvicted, DriverID: d.ID, Station: res.Station, Distance: events.Distance(res.Distance),
	}); err != nil {
		slog.Warn("publish queue event", "driver_id", d.ID, "error", err.Error())
	}

	if _, err := r.gateway.Send(ctx, d.ID, messenger.Outgoing{
		Text: EvictedText, HTML: true, RemoveKeyboard: true,
	}); err != nil {
		return errors.Wrap(err, "send eviction notice")
	}
	return nil
}

// detectFirstPlace claims the flag before sending, so the alert goes out at most once per
// occupancy of rank 1 even when ticks overlap.
func (r *Reconciler) detectFirstPlace(ctx context.Context, d models.ActiveDriver, view queue.View) error {
	switch {
	case view.Rank == 1 && !d.RankOneNotified:
		changed, err := r.repo.SetNotified(ctx, d.ID, true)
		if err != nil {
			return errors.Wrap(err, "claim first place alert")
		}
		if !changed {
			return nil
		}
		if _, err := r.gateway.Send(ctx, d.ID, messenger.Outgoing{Text: FirstPlaceText, HTML: true}); err != nil {
			return errors.Wrap(err, "send first place alert")
		}
		r.totalAlerted.Add(1)
		if err := r.pub.Publish(ctx, messages.QueueEvent{
			Type: messages.QueueEventFirstInLine, DriverID: d.ID, Station: view.Station, Rank: view.Rank, Total: view.Total,
		}); err != nil {
			slog.Warn("publish queue event", "driver_id", d.ID, "error", err.Error())
		}
	case view.Rank != 1 && d.RankOneNotified:
		if _, err := r.repo.SetNotified(ctx, d.ID, false); err != nil {
			return errors.Wrap(err, "clear first place flag")
		}
	}
	return nil
}

func (r *Reconciler) refresh(ctx context.Context, d models.ActiveDriver, view queue.View) error {
	body := []byte(view.Body())
	key := viewKey(d.ID, d.DisplayRef)

	if r.cache != nil {
		cached, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("read cached view", "driver_id", d.ID, "error", err.Error())
		} else if ok && string(cached) == string(body) {
			r.totalUnchanged.Add(1)
			return nil
		}
	}

	if r.rl != nil && r.editsPerSecond > 0 {
		allowed, n, err := r.rl.AllowEdit(ctx, r.now(), r.editsPerSecond)
		if err != nil {
			slog.Warn("edit rate limiter", "error", err.Error())
		} else if !allowed {
			// следующий тик всё равно перерисует
			r.totalThrottled.Add(1)
			slog.Debug("edit throttled", "driver_id", d.ID, "count", n)
			return nil
		}
	}

	err := r.gateway.Edit(ctx, d.ID, d.DisplayRef, view.Text())
	switch {
	case errors.Is(err, messenger.ErrUnchanged):
		r.totalUnchanged.Add(1)
	case err != nil:
		return errors.Wrap(err, "edit queue view")
	default:
		r.totalEdits.Add(1)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, body, r.viewCacheTTL); err != nil {
			slog.Warn("cache view", "driver_id", d.ID, "error", err.Error())
		}
	}
	return nil
}

func viewKey(driverID, displayRef int64) string {
	return fmt.Sprintf("view:%d:%d", driverID, displayRef)
}

package reconciler

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/StationQueue/internal/cache/rediscache"
	"github.com/BearBump/StationQueue/internal/geo"
	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/BearBump/StationQueue/internal/integrations/messenger/fake"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/BearBump/StationQueue/internal/services/queue"
	"github.com/BearBump/StationQueue/internal/storage/sqlitequeue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// north returns a position the given number of meters north of (0,0).
func north(meters float64) models.Coordinate {
	return models.Coordinate{Lat: meters / 6371000 * 180 / math.Pi}
}

type env struct {
	st  *sqlitequeue.Storage
	gw  *fake.Gateway
	rec *Reconciler
}

func newEnv(t *testing.T, stations ...models.Station) *env {
	t.Helper()
	if stations == nil {
		stations = []models.Station{{Name: "S"}}
	}
	st, err := sqlitequeue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	views := queue.NewBuilder(st, 500).WithClock(func() time.Time { return t0 })
	gw := fake.NewGateway()
	rec := New(st, geo.NewResolver(stations), views, gw).
		WithGeofence(500, 200).
		WithSettings(time.Hour, 4, time.Second)
	return &env{st: st, gw: gw, rec: rec}
}

// join enqueues a driver and sends its first view, as the join handler does.
func (e *env) join(t *testing.T, id int64, station string, pos models.Coordinate, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := e.st.UpsertActive(ctx, models.DriverUpsert{ID: id, DisplayName: "driver", Station: station, Position: pos, Now: at})
	require.NoError(t, err)
	msgID, err := e.gw.Send(ctx, id, messenger.Outgoing{Text: "initial view"})
	require.NoError(t, err)
	require.NoError(t, e.st.SetDisplayRef(ctx, id, msgID))
	return msgID
}

func (e *env) driver(t *testing.T, id int64) *models.Driver {
	t.Helper()
	d, err := e.st.GetDriver(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func countTexts(sent []fake.Sent, text string) int {
	n := 0
	for _, s := range sent {
		if s.Msg.Text == text {
			n++
		}
	}
	return n
}

func TestReconciler_QueueScenarios(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A: first driver alone is rank 1 and alerted
	m1 := e.join(t, 1, "S", north(50), t0)
	e.rec.runOnce(ctx)
	require.True(t, e.driver(t, 1).RankOneNotified)
	require.Equal(t, 1, countTexts(e.gw.SentTo(1), FirstPlaceText))
	require.Contains(t, e.gw.Text(m1), "<b>1/1</b>")

	// B: second driver queues behind and is never alerted while the first stays
	m2 := e.join(t, 2, "S", north(80), t0.Add(10*time.Second))
	for i := 0; i < 3; i++ {
		e.rec.runOnce(ctx)
	}
	require.Contains(t, e.gw.Text(m1), "<b>1/2</b>")
	require.Contains(t, e.gw.Text(m2), "<b>2/2</b>")
	require.False(t, e.driver(t, 2).RankOneNotified)
	require.Zero(t, countTexts(e.gw.SentTo(2), FirstPlaceText))
	require.Equal(t, 1, countTexts(e.gw.SentTo(1), FirstPlaceText))

	// C: first driver leaves, the second moves up and gets exactly one alert
	_, err := e.st.Deactivate(ctx, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		e.rec.runOnce(ctx)
	}
	require.Contains(t, e.gw.Text(m2), "<b>1/1</b>")
	require.True(t, e.driver(t, 2).RankOneNotified)
	require.Equal(t, 1, countTexts(e.gw.SentTo(2), FirstPlaceText))

	// D: drifting to 750 m with 500+200 evicts, with the removal notice and no alert
	require.NoError(t, e.st.UpdatePosition(ctx, 2, "", north(750)))
	e.rec.runOnce(ctx)
	require.False(t, e.driver(t, 2).Active)
	sent := e.gw.SentTo(2)
	require.Equal(t, EvictedText, sent[len(sent)-1].Msg.Text)
	require.True(t, sent[len(sent)-1].Msg.RemoveKeyboard)
	require.Equal(t, 1, countTexts(sent, FirstPlaceText))
	require.Equal(t, 1, countTexts(sent, EvictedText))

	st := e.rec.Stats()
	require.Equal(t, int64(1), st.TotalEvicted)
	require.Equal(t, int64(2), st.TotalAlerted)
	require.Zero(t, st.TotalErrors)
}

func TestReconciler_AlertClearedWhenRankLost(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.join(t, 2, "S", north(10), t0.Add(10*time.Second))
	e.rec.runOnce(ctx)
	require.True(t, e.driver(t, 2).RankOneNotified)

	// an earlier joiner takes rank 1
	e.join(t, 1, "S", north(10), t0)
	e.rec.runOnce(ctx)
	require.False(t, e.driver(t, 2).RankOneNotified)
	require.True(t, e.driver(t, 1).RankOneNotified)

	// rank 1 again is a new occupancy, so a second alert is due
	_, err := e.st.Deactivate(ctx, 1)
	require.NoError(t, err)
	e.rec.runOnce(ctx)
	require.Equal(t, 2, countTexts(e.gw.SentTo(2), FirstPlaceText))
}

func TestReconciler_EvictionHysteresis(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.join(t, 1, "S", north(699), t0)
	e.join(t, 2, "S", north(701), t0)
	e.rec.runOnce(ctx)

	require.True(t, e.driver(t, 1).Active)
	require.False(t, e.driver(t, 2).Active)
	require.Zero(t, countTexts(e.gw.SentTo(1), EvictedText))
	require.Equal(t, 1, countTexts(e.gw.SentTo(2), EvictedText))

	// an evicted driver is no longer reconciled
	e.rec.runOnce(ctx)
	require.Equal(t, 1, countTexts(e.gw.SentTo(2), EvictedText))
}

func TestReconciler_UnchangedEditIsNotAnError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m := e.join(t, 1, "S", north(10), t0)
	e.rec.runOnce(ctx)
	e.rec.runOnce(ctx)

	require.Len(t, e.gw.EditsOf(m), 1)
	st := e.rec.Stats()
	require.Equal(t, int64(1), st.TotalEdits)
	require.Equal(t, int64(1), st.TotalUnchanged)
	require.Zero(t, st.TotalErrors)
}

func TestReconciler_DeliveryFailureIsIsolated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.join(t, 1, "S", north(10), t0)
	m2 := e.join(t, 2, "S", north(10), t0.Add(time.Second))
	m3 := e.join(t, 3, "S", north(10), t0.Add(2*time.Second))
	e.gw.FailEdit(1, errors.New("chat not found"))

	e.rec.runOnce(ctx)

	require.Contains(t, e.gw.Text(m2), "<b>2/3</b>")
	require.Contains(t, e.gw.Text(m3), "<b>3/3</b>")
	require.True(t, e.driver(t, 1).RankOneNotified)

	st := e.rec.Stats()
	require.Equal(t, int64(1), st.TotalErrors)
	require.Equal(t, int64(3), st.TotalProcessed)
	require.Contains(t, st.LastError, "chat not found")
}

func TestReconciler_AlertIsNotRetriedAfterSendFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.join(t, 1, "S", north(10), t0)
	e.gw.FailSend(1, errors.New("blocked by user"))
	e.rec.runOnce(ctx)
	e.gw.FailSend(1, nil)
	e.rec.runOnce(ctx)

	require.True(t, e.driver(t, 1).RankOneNotified)
	require.Zero(t, countTexts(e.gw.SentTo(1), FirstPlaceText))
	require.Equal(t, int64(1), e.rec.Stats().TotalErrors)
}

func TestReconciler_FeatureFlagsOff(t *testing.T) {
	e := newEnv(t)
	e.rec.WithFeatures(false, false)
	ctx := context.Background()

	m := e.join(t, 1, "S", north(5000), t0)
	e.rec.runOnce(ctx)

	d := e.driver(t, 1)
	require.True(t, d.Active)
	require.False(t, d.RankOneNotified)
	require.Zero(t, countTexts(e.gw.SentTo(1), FirstPlaceText))
	require.Contains(t, e.gw.Text(m), "You drifted away!")
}

func TestReconciler_UnknownStationNeverEvicts(t *testing.T) {
	e := newEnv(t)
	e.rec.resolver = geo.NewResolver(nil)
	ctx := context.Background()

	m := e.join(t, 1, "S", north(10), t0)
	e.rec.runOnce(ctx)

	require.True(t, e.driver(t, 1).Active)
	require.Len(t, e.gw.SentTo(1), 1)
	require.Empty(t, e.gw.EditsOf(m))
}

func TestReconciler_DriftToOtherStationKeepsJoinedAt(t *testing.T) {
	e := newEnv(t,
		models.Station{Name: "S", Position: north(0)},
		models.Station{Name: "T", Position: north(600)},
	)
	ctx := context.Background()

	m := e.join(t, 1, "S", north(100), t0)
	require.NoError(t, e.st.UpdatePosition(ctx, 1, "", north(450)))
	e.rec.runOnce(ctx)

	d := e.driver(t, 1)
	require.Equal(t, "T", d.Station)
	require.True(t, t0.Equal(d.JoinedAt))
	require.Contains(t, e.gw.Text(m), "<b>T</b>")
}

// racingRepo runs write once, after the active list is read and before the tick uses it,
// the way a location update or a rejoin lands in the middle of a tick.
type racingRepo struct {
	*sqlitequeue.Storage
	write func(ctx context.Context)
}

func (r *racingRepo) ListActive(ctx context.Context) ([]models.ActiveDriver, error) {
	ds, err := r.Storage.ListActive(ctx)
	if err == nil && r.write != nil {
		r.write(ctx)
		r.write = nil
	}
	return ds, err
}

func TestReconciler_StationMoveKeepsNewerPosition(t *testing.T) {
	e := newEnv(t,
		models.Station{Name: "A", Position: north(0)},
		models.Station{Name: "B", Position: north(1000)},
	)
	ctx := context.Background()

	e.join(t, 1, "A", north(600), t0)
	e.rec.repo = &racingRepo{Storage: e.st, write: func(ctx context.Context) {
		require.NoError(t, e.st.UpdatePosition(ctx, 1, "", north(650)))
	}}

	e.rec.runOnce(ctx)
	d := e.driver(t, 1)
	require.Equal(t, north(650).Lat, d.Position.Lat)
	require.Equal(t, "A", d.Station)
	require.Zero(t, e.rec.Stats().TotalErrors)

	// the next tick sees the fresh row and re-homes it without touching the position
	e.rec.runOnce(ctx)
	d = e.driver(t, 1)
	require.Equal(t, "B", d.Station)
	require.Equal(t, north(650).Lat, d.Position.Lat)
	require.True(t, t0.Equal(d.JoinedAt))
}

func TestReconciler_EvictionSkipsDriverChangedMidTick(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.join(t, 1, "S", north(750), t0)
	e.join(t, 2, "S", north(800), t0)
	rejoinedAt := t0.Add(time.Hour)
	e.rec.repo = &racingRepo{Storage: e.st, write: func(ctx context.Context) {
		// driver 1 walked back, driver 2 left and rejoined close by
		require.NoError(t, e.st.UpdatePosition(ctx, 1, "", north(100)))
		_, err := e.st.Deactivate(ctx, 2)
		require.NoError(t, err)
		_, err = e.st.UpsertActive(ctx, models.DriverUpsert{ID: 2, DisplayName: "driver", Station: "S", Position: north(20), Now: rejoinedAt})
		require.NoError(t, err)
	}}

	e.rec.runOnce(ctx)

	d1, d2 := e.driver(t, 1), e.driver(t, 2)
	require.True(t, d1.Active)
	require.True(t, d2.Active)
	require.True(t, rejoinedAt.Equal(d2.JoinedAt))
	require.Zero(t, countTexts(e.gw.SentTo(1), EvictedText))
	require.Zero(t, countTexts(e.gw.SentTo(2), EvictedText))
	require.Zero(t, e.rec.Stats().TotalEvicted)

	// with the fresh rows nobody is out of range
	e.rec.runOnce(ctx)
	require.True(t, e.driver(t, 1).Active)
	require.True(t, e.driver(t, 2).Active)
}

func TestReconciler_ViewCacheAndThrottle(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := rediscache.New(mr.Addr())
	rl := rediscache.NewEditLimiter(mr.Addr())

	e := newEnv(t)
	e.rec.WithViewCache(cache, time.Minute).WithEditThrottle(rl, 1)
	e.rec.now = func() time.Time { return t0 }
	ctx := context.Background()

	m1 := e.join(t, 1, "S", north(10), t0)
	m2 := e.join(t, 2, "S", north(10), t0.Add(time.Second))
	e.rec.runOnce(ctx)

	// one edit allowed in the frozen second, the other driver is throttled
	st := e.rec.Stats()
	require.Equal(t, int64(1), st.TotalEdits)
	require.Equal(t, int64(1), st.TotalThrottled)
	require.Equal(t, 1, len(e.gw.EditsOf(m1))+len(e.gw.EditsOf(m2)))

	// a fresh second lets the remaining edit through; the cached one is skipped
	e.rec.now = func() time.Time { return t0.Add(time.Second) }
	e.rec.runOnce(ctx)
	require.Len(t, e.gw.EditsOf(m1), 1)
	require.Len(t, e.gw.EditsOf(m2), 1)
	st = e.rec.Stats()
	require.Equal(t, int64(2), st.TotalEdits)
	require.Equal(t, int64(1), st.TotalUnchanged)

	// eviction drops the cached body
	require.NoError(t, e.st.UpdatePosition(ctx, 2, "", north(900)))
	e.rec.now = func() time.Time { return t0.Add(2 * time.Second) }
	e.rec.runOnce(ctx)
	_, ok, err := cache.Get(ctx, viewKey(2, m2))
	require.NoError(t, err)
	require.False(t, ok)
}

type stubRepo struct {
	calls chan struct{}
}

func (r *stubRepo) ListActive(ctx context.Context) ([]models.ActiveDriver, error) {
	select {
	case r.calls <- struct{}{}:
	default:
	}
	return nil, nil
}
func (r *stubRepo) MoveStation(ctx context.Context, snap models.ActiveDriver, station string) (bool, error) {
	return false, nil
}
func (r *stubRepo) Evict(ctx context.Context, snap models.ActiveDriver) (bool, error) {
	return false, nil
}
func (r *stubRepo) SetNotified(ctx context.Context, id int64, notified bool) (bool, error) {
	return false, nil
}

func TestReconciler_Run_StopsOnContextCancel(t *testing.T) {
	repo := &stubRepo{calls: make(chan struct{}, 16)}
	rec := New(repo, geo.NewResolver(nil), nil, fake.NewGateway()).WithSettings(5*time.Millisecond, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := rec.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, rec.Stats().TotalTicks, int64(1))
	require.NotNil(t, rec.Stats().LastTickAt)
}

func TestReconciler_TriggerRunsImmediately(t *testing.T) {
	repo := &stubRepo{calls: make(chan struct{}, 1)}
	rec := New(repo, geo.NewResolver(nil), nil, fake.NewGateway()).WithSettings(time.Hour, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.Trigger()
	select {
	case <-repo.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not start a tick")
	}
	require.NotNil(t, rec.Stats().LastTriggerAt)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestReconciler_ListFailureRecorded(t *testing.T) {
	st, err := sqlitequeue.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	st.Close()

	rec := New(st, geo.NewResolver(nil), nil, fake.NewGateway())
	rec.runOnce(context.Background())
	require.Equal(t, int64(1), rec.Stats().TotalErrors)
	require.Contains(t, rec.Stats().LastError, "select active drivers")
}

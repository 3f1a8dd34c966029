package dispatcher

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/StationQueue/internal/broker/messages"
	"github.com/BearBump/StationQueue/internal/geo"
	"github.com/BearBump/StationQueue/internal/integrations/messenger"
	"github.com/BearBump/StationQueue/internal/integrations/messenger/fake"
	"github.com/BearBump/StationQueue/internal/models"
	"github.com/BearBump/StationQueue/internal/services/queue"
	"github.com/BearBump/StationQueue/internal/storage/sqlitequeue"
	"github.com/stretchr/testify/suite"
)

func north(meters float64) models.Coordinate {
	return models.Coordinate{Lat: meters / 6371000 * 180 / math.Pi}
}

type recordingPublisher struct {
	mu  sync.Mutex
	evs []messages.QueueEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev messages.QueueEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.evs {
		out = append(out, ev.Type)
	}
	return out
}

func countText(sent []fake.Sent, text string) int {
	n := 0
	for _, m := range sent {
		if m.Msg.Text == text {
			n++
		}
	}
	return n
}

type countingTrigger struct{ n int }

func (t *countingTrigger) Trigger() { t.n++ }

type DispatcherSuite struct {
	suite.Suite

	st      *sqlitequeue.Storage
	gw      *fake.Gateway
	pub     *recordingPublisher
	trigger *countingTrigger
	views   *queue.Builder
	clock   time.Time
	d       *Dispatcher
}

func (s *DispatcherSuite) SetupTest() {
	st, err := sqlitequeue.Open(filepath.Join(s.T().TempDir(), "queue.db"))
	s.Require().NoError(err)
	s.st = st
	s.gw = fake.NewGateway()
	s.pub = &recordingPublisher{}
	s.trigger = &countingTrigger{}
	s.clock = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	resolver := geo.NewResolver([]models.Station{{Name: "Chorsu"}})
	s.views = queue.NewBuilder(st, 500).WithClock(func() time.Time { return s.clock })
	s.d = New(st, resolver, s.views, s.gw).
		WithJoinPolicy(500, true).
		WithEvents(s.pub).
		WithTrigger(s.trigger)
	s.d.now = func() time.Time { return s.clock }
}

func (s *DispatcherSuite) TearDownTest() {
	s.st.Close()
}

func (s *DispatcherSuite) handle(ev messenger.Event) {
	s.Require().NoError(s.d.Handle(context.Background(), ev))
}

func (s *DispatcherSuite) lastSent(chatID int64) fake.Sent {
	sent := s.gw.SentTo(chatID)
	s.Require().NotEmpty(sent)
	return sent[len(sent)-1]
}

func (s *DispatcherSuite) view(id int64, distance float64) queue.View {
	d := s.driver(id)
	s.Require().NotNil(d)
	v, err := s.views.Build(context.Background(), d.Station, id, distance)
	s.Require().NoError(err)
	return v
}

func (s *DispatcherSuite) driver(id int64) *models.Driver {
	d, err := s.st.GetDriver(context.Background(), id)
	s.Require().NoError(err)
	return d
}

func (s *DispatcherSuite) TestStartAndStaticLocationOnlyReply() {
	s.handle(messenger.Event{Kind: messenger.KindStart, ChatID: 1})
	s.Equal(StartText, s.lastSent(1).Msg.Text)

	s.handle(messenger.Event{Kind: messenger.KindStaticLocation, ChatID: 1, Position: north(10)})
	s.Equal(LiveOnlyText, s.lastSent(1).Msg.Text)
	s.Nil(s.driver(1))
	s.Zero(s.trigger.n)
}

func (s *DispatcherSuite) TestJoinWithinRadius() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, DisplayName: "Aziz", Position: north(120)})

	d := s.driver(7)
	s.Require().NotNil(d)
	s.True(d.Active)
	s.Equal("Chorsu", d.Station)
	s.Equal("Aziz", d.DisplayName)
	s.True(s.clock.Equal(d.JoinedAt))

	sent := s.lastSent(7)
	s.Equal(sent.MessageID, d.DisplayRef)
	s.Equal(messenger.OnlineKeyboard, sent.Msg.Keyboard)
	s.Contains(sent.Msg.Text, "<b>1/1</b>")
	s.Contains(sent.Msg.Text, "120m")
	s.Equal([]string{messages.QueueEventJoined}, s.pub.types())
	s.Equal(1, s.trigger.n)
}

func (s *DispatcherSuite) TestJoinTooFarRejected() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(650.5)})

	s.Nil(s.driver(7))
	s.Equal(TooFarText(650.5), s.lastSent(7).Msg.Text)
	s.Contains(s.lastSent(7).Msg.Text, "(650m)")
	s.Equal([]string{messages.QueueEventRejected}, s.pub.types())
	s.Zero(s.trigger.n)
}

func (s *DispatcherSuite) TestJoinRadiusNotEnforced() {
	s.d.WithJoinPolicy(500, false)
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(650)})

	d := s.driver(7)
	s.Require().NotNil(d)
	s.True(d.Active)
	s.Contains(s.lastSent(7).Msg.Text, "You drifted away!")
}

func (s *DispatcherSuite) TestJoinWithoutStations() {
	s.d.resolver = geo.NewResolver(nil)
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(1)})

	s.Nil(s.driver(7))
	s.Equal(NoStationText, s.lastSent(7).Msg.Text)
	s.Empty(s.pub.types())
}

func (s *DispatcherSuite) TestRejoinWhileActiveKeepsJoinedAt() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, DisplayName: "A", Position: north(10)})
	first := s.lastSent(7).MessageID
	joined := s.driver(7).JoinedAt

	s.clock = s.clock.Add(time.Minute)
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, DisplayName: "A", Position: north(20)})

	d := s.driver(7)
	s.True(joined.Equal(d.JoinedAt))
	s.NotEqual(first, d.DisplayRef)
	s.Equal(d.DisplayRef, s.lastSent(7).MessageID)
	// only the first activation is announced
	s.Equal([]string{messages.QueueEventJoined}, s.pub.types())
}

func (s *DispatcherSuite) TestLocationUpdateNeverResetsOrEvicts() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})
	joined := s.driver(7).JoinedAt
	sentBefore := len(s.gw.SentTo(7))

	s.clock = s.clock.Add(time.Hour)
	upd := messenger.Event{Kind: messenger.KindLiveLocationUpdate, ChatID: 7, Position: north(5000)}
	s.handle(upd)
	once := s.view(7, 5000)
	s.handle(upd)

	d := s.driver(7)
	s.True(d.Active)
	s.True(joined.Equal(d.JoinedAt))
	s.InDelta(north(5000).Lat, d.Position.Lat, 1e-12)
	s.Len(s.gw.SentTo(7), sentBefore)

	// the repeated update renders exactly the same queue
	twice := s.view(7, 5000)
	s.Equal(once.Body(), twice.Body())
	s.Equal(1, twice.Rank)
	s.Equal(1, twice.Total)
}

func (s *DispatcherSuite) TestLocationUpdateForUnknownDriverIsNoop() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationUpdate, ChatID: 99, Position: north(10)})
	s.Nil(s.driver(99))
}

func (s *DispatcherSuite) TestPauseResume() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})
	joined := s.driver(7).JoinedAt

	s.handle(messenger.Event{Kind: messenger.KindPause, ChatID: 7})
	d := s.driver(7)
	s.Equal(models.DriverStatusPaused, d.Status)
	s.True(d.Active)
	s.True(joined.Equal(d.JoinedAt))
	s.Equal(PausedText, s.lastSent(7).Msg.Text)
	s.Equal(messenger.PausedKeyboard, s.lastSent(7).Msg.Keyboard)

	// a paused driver who re-shares the location gets the resume keyboard
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})
	s.Equal(messenger.PausedKeyboard, s.lastSent(7).Msg.Keyboard)
	s.Contains(s.lastSent(7).Msg.Text, "☕️ (you)")

	s.handle(messenger.Event{Kind: messenger.KindResume, ChatID: 7})
	s.Equal(models.DriverStatusOnline, s.driver(7).Status)
	s.Equal(ResumedText, s.lastSent(7).Msg.Text)
	s.Equal(messenger.OnlineKeyboard, s.lastSent(7).Msg.Keyboard)
	s.Equal(4, s.trigger.n)
}

func (s *DispatcherSuite) TestOfflineThenRejoinResetsJoinedAt() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})

	s.handle(messenger.Event{Kind: messenger.KindOffline, ChatID: 7})
	s.False(s.driver(7).Active)
	s.Equal(LeftText, s.lastSent(7).Msg.Text)
	s.True(s.lastSent(7).Msg.RemoveKeyboard)

	s.clock = s.clock.Add(time.Hour)
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})
	d := s.driver(7)
	s.True(d.Active)
	s.True(s.clock.Equal(d.JoinedAt))
	s.Equal([]string{messages.QueueEventJoined, messages.QueueEventLeft, messages.QueueEventJoined}, s.pub.types())
}

func (s *DispatcherSuite) TestOfflineUnknownDriverStillReplies() {
	s.handle(messenger.Event{Kind: messenger.KindOffline, ChatID: 42})
	s.Equal(LeftText, s.lastSent(42).Msg.Text)
	s.Empty(s.pub.types())
	s.Zero(s.trigger.n)
}

func (s *DispatcherSuite) TestRepeatedOfflineAnnouncesOnce() {
	s.handle(messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})
	s.handle(messenger.Event{Kind: messenger.KindOffline, ChatID: 7})
	s.handle(messenger.Event{Kind: messenger.KindOffline, ChatID: 7})

	s.False(s.driver(7).Active)
	s.Equal(2, countText(s.gw.SentTo(7), LeftText))
	s.Equal([]string{messages.QueueEventJoined, messages.QueueEventLeft}, s.pub.types())
	s.Equal(2, s.trigger.n)
}

func (s *DispatcherSuite) TestSendFailureReturned() {
	s.gw.FailSend(7, errors.New("bot was blocked"))
	err := s.d.Handle(context.Background(), messenger.Event{Kind: messenger.KindLiveLocationStart, ChatID: 7, Position: north(10)})
	s.Require().Error(err)
	s.Contains(err.Error(), "send queue view")

	// the driver is queued even though the view never arrived
	d := s.driver(7)
	s.True(d.Active)
	s.Zero(d.DisplayRef)
}

func (s *DispatcherSuite) TestUnknownKind() {
	err := s.d.Handle(context.Background(), messenger.Event{Kind: "wave", ChatID: 1})
	s.Require().Error(err)
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

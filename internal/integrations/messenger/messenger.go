package messenger

import (
	"context"

	"github.com/BearBump/StationQueue/internal/models"
	"github.com/pkg/errors"
)

// ErrUnchanged is returned by Edit when the message already has the requested text.
var ErrUnchanged = errors.New("message content unchanged")

type EventKind string

const (
	KindStart              EventKind = "start"
	KindStaticLocation     EventKind = "static_location"
	KindLiveLocationStart  EventKind = "live_location_start"
	KindLiveLocationUpdate EventKind = "live_location_update"
	KindPause              EventKind = "pause"
	KindResume             EventKind = "resume"
	KindOffline            EventKind = "offline"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindStart, KindStaticLocation, KindLiveLocationStart, KindLiveLocationUpdate,
		KindPause, KindResume, KindOffline:
		return true
	}
	return false
}

// Reply keyboard labels. Text messages equal to one of them are turned into events.
const (
	ButtonPause   = "☕️ Pause"
	ButtonResume  = "▶️ Resume"
	ButtonOffline = "📴 Offline"
)

var (
	OnlineKeyboard = [][]string{{ButtonPause, ButtonOffline}}
	PausedKeyboard = [][]string{{ButtonResume, ButtonOffline}}
)

// KindForButton maps a keyboard label to its event kind.
func KindForButton(text string) (EventKind, bool) {
	switch text {
	case ButtonPause:
		return KindPause, true
	case ButtonResume:
		return KindResume, true
	case ButtonOffline:
		return KindOffline, true
	}
	return "", false
}

type Event struct {
	Kind        EventKind
	ChatID      int64
	DisplayName string
	Position    models.Coordinate
}

type Outgoing struct {
	Text           string
	HTML           bool
	Keyboard       [][]string
	RemoveKeyboard bool
}

type Gateway interface {
	Send(ctx context.Context, chatID int64, msg Outgoing) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string) error
}

type Handler func(ctx context.Context, ev Event) error

// Receiver blocks delivering inbound events until ctx is done or the source fails.
type Receiver interface {
	Receive(ctx context.Context, h Handler) error
}

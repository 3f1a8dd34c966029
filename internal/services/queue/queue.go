// Package queue projects a station's active drivers into the rank view a driver sees.
package queue

import (
	"context"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"github.com/BearBump/StationQueue/internal/models"
	"github.com/pkg/errors"
)

const OfflineText = "📴 You are offline. Share your Live Location to join the queue."

type Reader interface {
	ListActiveByStation(ctx context.Context, station string) ([]*models.Driver, error)
}

type Entry struct {
	Rank        int                 `json:"rank"`
	DriverID    int64               `json:"driverId"`
	DisplayName string              `json:"displayName"`
	Status      models.DriverStatus `json:"status"`
	Self        bool                `json:"self,omitempty"`
}

// View is a snapshot of one station's queue as seen by one driver. Rank is 1-based, 0 when
// the driver is not in the queue.
type View struct {
	Station      string    `json:"station"`
	DriverID     int64     `json:"driverId,omitempty"`
	Rank         int       `json:"rank"`
	Total        int       `json:"total"`
	Distance     float64   `json:"distanceMeters"`
	WithinRadius bool      `json:"withinRadius"`
	Entries      []Entry   `json:"entries"`
	RenderedAt   time.Time `json:"renderedAt"`

	loc *time.Location
}

type Builder struct {
	repo          Reader
	allowedRadius float64
	now           func() time.Time
	loc           *time.Location
}

func NewBuilder(repo Reader, allowedRadius float64) *Builder {
	return &Builder{
		repo:          repo,
		allowedRadius: allowedRadius,
		now:           func() time.Time { return time.Now().UTC() },
		loc:           time.Local,
	}
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	if now != nil {
		b.now = now
	}
	return b
}

// WithLocation sets the zone of the "updated" footer.
func (b *Builder) WithLocation(loc *time.Location) *Builder {
	if loc != nil {
		b.loc = loc
	}
	return b
}

func (b *Builder) AllowedRadius() float64 { return b.allowedRadius }

// Build reads the station queue once and never writes.
func (b *Builder) Build(ctx context.Context, station string, driverID int64, distance float64) (View, error) {
	drivers, err := b.repo.ListActiveByStation(ctx, station)
	if err != nil {
		return View{}, errors.Wrap(err, "list station queue")
	}

	v := View{
		Station:      station,
		DriverID:     driverID,
		Total:        len(drivers),
		Distance:     distance,
		WithinRadius: distance <= b.allowedRadius,
		Entries:      make([]Entry, 0, len(drivers)),
		RenderedAt:   b.now(),
		loc:          b.loc,
	}
	for i, d := range drivers {
		e := Entry{
			Rank:        i + 1,
			DriverID:    d.ID,
			DisplayName: d.DisplayName,
			Status:      d.Status,
			Self:        d.ID == driverID,
		}
		if e.Self {
			v.Rank = e.Rank
		}
		v.Entries = append(v.Entries, e)
	}
	return v, nil
}

// Body is the rendered view without the timestamp footer, so two bodies compare equal
// exactly when the driver would see no change.
func (v View) Body() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📍 <b>%s</b>\n", html.EscapeString(v.Station))

	indicator := "✅ At the station"
	if !v.WithinRadius {
		indicator = "⚠️ You drifted away!"
	}
	fmt.Fprintf(&sb, "📏 Distance: <b>%s</b> (%s)\n", FormatDistance(v.Distance), indicator)
	fmt.Fprintf(&sb, "🔢 Your place: <b>%d/%d</b>\n\n", v.Rank, v.Total)

	for _, e := range v.Entries {
		icon := "✅"
		if e.Status == models.DriverStatusPaused {
			icon = "☕️"
		}
		if e.Self {
			fmt.Fprintf(&sb, "👉 %d. %s %s (you)\n", e.Rank, html.EscapeString(e.DisplayName), icon)
			continue
		}
		fmt.Fprintf(&sb, "%d. %s %s\n", e.Rank, html.EscapeString(e.DisplayName), icon)
	}
	return sb.String()
}

func (v View) Text() string {
	loc := v.loc
	if loc == nil {
		loc = time.UTC
	}
	return v.Body() + "\n⌛️ <i>Updated: " + v.RenderedAt.In(loc).Format("15:04:05") + "</i>"
}

// FormatDistance renders whole meters below 1 km and tenths of a kilometer above.
func FormatDistance(meters float64) string {
	switch {
	case math.IsInf(meters, 0) || math.IsNaN(meters):
		return "?"
	case meters < 1000:
		return fmt.Sprintf("%dm", int(meters))
	default:
		return fmt.Sprintf("%.1fkm", meters/1000)
	}
}

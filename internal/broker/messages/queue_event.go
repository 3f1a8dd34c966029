package messages

import (
	"time"
)

const (
	QueueEventJoined      = "driver.joined"
	QueueEventRejected    = "driver.rejected"
	QueueEventLeft        = "driver.left"
	QueueEventEvicted     = "driver.evicted"
	QueueEventFirstInLine = "driver.first_in_line"
)

// QueueEvent is published to the queue events topic keyed by driver id.
type QueueEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	DriverID   int64     `json:"driver_id"`
	Station    string    `json:"station,omitempty"`
	Distance   *float64  `json:"distance_m,omitempty"`
	Rank       int       `json:"rank,omitempty"`
	Total      int       `json:"total,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

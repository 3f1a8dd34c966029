package messages

import (
	"time"
)

// InboundEvent is a driver action relayed through Kafka by an external chat frontend.
type InboundEvent struct {
	Kind        string    `json:"kind"`
	ChatID      int64     `json:"chat_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

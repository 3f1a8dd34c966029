package models

import "time"

type DriverStatus string

// Status affects only the icon in the queue view, never ordering or eviction.
const (
	DriverStatusOnline DriverStatus = "online"
	DriverStatusPaused DriverStatus = "paused"
)

func (s DriverStatus) Valid() bool {
	return s == DriverStatusOnline || s == DriverStatusPaused
}

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Station struct {
	Name     string     `json:"name"`
	Position Coordinate `json:"position"`
}

type Driver struct {
	ID          int64
	DisplayName string
	Station     string
	Position    Coordinate
	JoinedAt    time.Time
	Status      DriverStatus
	Active      bool
	// DisplayRef is the message id of the live queue view, 0 until the first view is sent.
	DisplayRef      int64
	RankOneNotified bool
	UpdatedAt       time.Time
}

// ActiveDriver is the slice of a driver record the reconciliation loop needs per tick.
// JoinedAt and Position double as the snapshot version for guarded writes.
type ActiveDriver struct {
	ID              int64
	DisplayRef      int64
	Station         string
	Position        Coordinate
	JoinedAt        time.Time
	RankOneNotified bool
}

type DriverUpsert struct {
	ID          int64
	DisplayName string
	Station     string
	Position    Coordinate
	Now         time.Time
}

type StationLoad struct {
	Station string `json:"station" db:"station"`
	Active  int    `json:"active" db:"active"`
}

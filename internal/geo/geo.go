// Package geo resolves driver positions to the nearest known station.
package geo

import (
	"math"

	"github.com/BearBump/StationQueue/internal/models"
)

const earthRadiusMeters = 6371000.0

// UnknownStation is returned by Resolve when no stations are loaded.
const UnknownStation = "unknown"

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b models.Coordinate) float64 {
	if a == b {
		return 0
	}
	phi1 := toRad(a.Lat)
	phi2 := toRad(b.Lat)
	dPhi := toRad(b.Lat - a.Lat)
	dLambda := toRad(b.Lon - a.Lon)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

type Resolution struct {
	Station  string
	Distance float64
}

// Known is false for the "no stations" sentinel. Callers must not enqueue or evict on it.
func (r Resolution) Known() bool {
	return r.Station != UnknownStation && !math.IsInf(r.Distance, 1)
}

// Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	stations []models.Station
}

func NewResolver(stations []models.Station) *Resolver {
	cp := make([]models.Station, len(stations))
	copy(cp, stations)
	return &Resolver{stations: cp}
}

func (r *Resolver) Stations() []models.Station {
	out := make([]models.Station, len(r.stations))
	copy(out, r.stations)
	return out
}

// Resolve scans all stations and returns the nearest one. Ties go to the station
// that appears first in the reference data.
func (r *Resolver) Resolve(pos models.Coordinate) Resolution {
	best := Resolution{Station: UnknownStation, Distance: math.Inf(1)}
	for _, st := range r.stations {
		d := Distance(pos, st.Position)
		if d < best.Distance {
			best = Resolution{Station: st.Name, Distance: d}
		}
	}
	return best
}

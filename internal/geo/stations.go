package geo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BearBump/StationQueue/internal/models"
	"github.com/pkg/errors"
)

type featureCollection struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"features"`
}

// LoadStations reads a GeoJSON FeatureCollection of points ([lon, lat]) named by
// properties.name. A missing file is not an error: it yields an empty set.
func LoadStations(path string) ([]models.Station, error) {
	if path == "" {
		return []models.Station{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []models.Station{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read stations file")
	}
	return ParseStations(data)
}

func ParseStations(data []byte) ([]models.Station, error) {
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrap(err, "decode stations geojson")
	}

	out := make([]models.Station, 0, len(fc.Features))
	for i, f := range fc.Features {
		c := f.Geometry.Coordinates
		if len(c) < 2 {
			continue
		}
		name := strings.TrimSpace(f.Properties.Name)
		if name == "" {
			name = fmt.Sprintf("Station #%d", i+1)
		}
		out = append(out, models.Station{
			Name:     name,
			Position: models.Coordinate{Lat: c[1], Lon: c[0]},
		})
	}
	return out, nil
}

package maps

import (
	"context"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// HaversineRouter estimates trips as straight-line distance at a fixed
// speed. It backs local runs with no routing provider configured; the
// polyline degrades to the two endpoints.
type HaversineRouter struct {
	SpeedMps float64
}

func (h *HaversineRouter) Estimate(_ context.Context, origin, destination models.Coord) (Route, error) {
	speed := h.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city driving
	}
	d := geo.Haversine(origin.Lat, origin.Lon, destination.Lat, destination.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

func (h *HaversineRouter) Polyline(_ context.Context, origin, destination models.Coord) ([]models.Coord, error) {
	return []models.Coord{origin, destination}, nil
}

package maps

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Route is a distance/duration estimate between two points.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Geocoder resolves free-text addresses to coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, address string) (models.Coord, error)
}

// Router estimates trips and produces display polylines.
type Router interface {
	Estimate(ctx context.Context, origin, destination models.Coord) (Route, error)
	Polyline(ctx context.Context, origin, destination models.Coord) ([]models.Coord, error)
}

// ErrNotFound means the provider had no match for the address.
var ErrNotFound = errors.New("no match for address")

// UpstreamError wraps a provider failure. Callers treat it as transient;
// retry policy is theirs, not ours.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("maps %s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

package fare

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Rate holds the pricing constants for one vehicle class.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
}

type Table map[models.VehicleClass]Rate

// DefaultTable returns the stock rate card.
func DefaultTable() Table {
	return Table{
		models.VehicleAuto: {Base: 30, PerKm: 10, PerMinute: 2},
		models.VehicleCar:  {Base: 50, PerKm: 15, PerMinute: 3},
		models.VehicleMoto: {Base: 20, PerKm: 8, PerMinute: 1.5},
	}
}

// Quote is the rounded fare per vehicle class for one trip.
type Quote map[models.VehicleClass]int64

type Calculator struct {
	rates Table
}

func New(rates Table) *Calculator {
	if len(rates) == 0 {
		rates = DefaultTable()
	}
	return &Calculator{rates: rates}
}

// Estimate computes the fare for every vehicle class:
// round(base + km*perKm + min*perMinute). Deterministic, no side effects.
func (c *Calculator) Estimate(distanceMeters, durationSeconds float64) (Quote, error) {
	if distanceMeters < 0 || durationSeconds < 0 ||
		math.IsNaN(distanceMeters) || math.IsNaN(durationSeconds) ||
		math.IsInf(distanceMeters, 0) || math.IsInf(durationSeconds, 0) {
		return nil, fmt.Errorf("invalid distance %v or duration %v", distanceMeters, durationSeconds)
	}
	q := make(Quote, len(c.rates))
	for class, r := range c.rates {
		amount := r.Base + (distanceMeters/1000.0)*r.PerKm + (durationSeconds/60.0)*r.PerMinute
		q[class] = int64(math.Round(amount))
	}
	return q, nil
}

// ForClass computes the fare for a single vehicle class.
func (c *Calculator) ForClass(class models.VehicleClass, distanceMeters, durationSeconds float64) (int64, error) {
	if _, ok := c.rates[class]; !ok {
		return 0, fmt.Errorf("unknown vehicle class %q", class)
	}
	q, err := c.Estimate(distanceMeters, durationSeconds)
	if err != nil {
		return 0, err
	}
	return q[class], nil
}

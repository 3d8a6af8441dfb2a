package reports

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store answers read-side counting queries over rides and captains.
// Buckets are expressed as parameterized time ranges, not as one function
// per period.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type RideFilter struct {
	Status       string // optional
	VehicleClass string // optional
	Since        time.Time
	Until        time.Time // zero means now
}

type CaptainFilter struct {
	VehicleClass string // optional
	Available    *bool  // optional
	Since        time.Time
	Until        time.Time
}

func (s *Store) CountRides(ctx context.Context, f RideFilter) (int64, error) {
	until := f.Until
	if until.IsZero() {
		until = time.Now()
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rides
		WHERE created_at >= $1 AND created_at < $2
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR vehicle_class = $4)`,
		f.Since, until, f.Status, f.VehicleClass,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rides: %w", err)
	}
	return n, nil
}

func (s *Store) CountCaptains(ctx context.Context, f CaptainFilter) (int64, error) {
	until := f.Until
	if until.IsZero() {
		until = time.Now()
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM captains
		WHERE updated_at >= $1 AND updated_at < $2
		  AND ($3 = '' OR vehicle_class = $3)
		  AND ($4::boolean IS NULL OR is_available = $4)`,
		f.Since, until, f.VehicleClass, f.Available,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count captains: %w", err)
	}
	return n, nil
}

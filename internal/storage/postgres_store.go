package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore backs RideStore and CaptainStore with Postgres. The
// transition precondition rides on the UPDATE ... WHERE status = ANY(...)
// row match; the availability flip joins it inside one transaction so a
// captain can never be held by two rides.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, rider_id, captain_id,
			pickup_address, pickup_lat, pickup_lon,
			dest_address, dest_lat, dest_lon,
			vehicle_class, fare, otp, status, created_at, updated_at
		) VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.RiderID, r.CaptainID,
		r.Pickup.Address, r.Pickup.Coord.Lat, r.Pickup.Coord.Lon,
		r.Destination.Address, r.Destination.Coord.Lat, r.Destination.Coord.Lon,
		string(r.VehicleClass), r.Fare, r.OTP, string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

const rideColumns = `id, rider_id, COALESCE(captain_id,''),
	pickup_address, pickup_lat, pickup_lon,
	dest_address, dest_lat, dest_lon,
	vehicle_class, fare, otp, COALESCE(payment_ref,''), status, created_at, updated_at`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, opts TransitionOpts) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE rides
		SET status = $1,
		    captain_id = CASE WHEN $2 <> '' THEN $2 ELSE captain_id END,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = ANY($4)
		  AND ($5 = '' OR captain_id = $5)
		  AND ($6 = '' OR rider_id = $6)
		RETURNING `+rideColumns,
		string(to), opts.AssignCaptainID, id, pq.Array(statuses),
		opts.MatchCaptainID, opts.MatchRiderID,
	)
	r, err := scanRide(row)
	if err != nil {
		return nil, err
	}

	if opts.SetCaptainAvailable != nil && r.CaptainID != "" {
		q := `UPDATE captains SET is_available = $1, updated_at = NOW() WHERE id = $2`
		if claimsCaptain(opts) {
			// the claim must lose against a captain already held by
			// another ride; zero rows rolls the transition back
			q += ` AND is_available = TRUE`
		}
		res, err := tx.ExecContext(ctx, q, *opts.SetCaptainAvailable, r.CaptainID)
		if err != nil {
			return nil, fmt.Errorf("update captain availability: %w", err)
		}
		if claimsCaptain(opts) {
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, ErrNoMatch
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) SetPaymentRef(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET payment_ref = $1 WHERE id = $2`, ref, id)
	if err != nil {
		return fmt.Errorf("set payment ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoMatch
	}
	return nil
}

func (p *PostgresStore) GetCaptain(ctx context.Context, id string) (*models.Captain, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, lat, lon, vehicle_class, is_available, COALESCE(session_ref,''), updated_at
		FROM captains WHERE id = $1`, id)
	var c models.Captain
	err := row.Scan(&c.ID, &c.Loc.Lat, &c.Loc.Lon, &c.VehicleClass, &c.IsAvailable, &c.SessionRef, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCaptainNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get captain: %w", err)
	}
	return &c, nil
}

func (p *PostgresStore) UpsertCaptain(ctx context.Context, c *models.Captain) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO captains (id, lat, lon, vehicle_class, is_available, session_ref, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NOW())
		ON CONFLICT (id) DO UPDATE
		SET lat = EXCLUDED.lat, lon = EXCLUDED.lon,
		    vehicle_class = EXCLUDED.vehicle_class,
		    is_available = EXCLUDED.is_available,
		    session_ref = EXCLUDED.session_ref,
		    updated_at = NOW()`,
		c.ID, c.Loc.Lat, c.Loc.Lon, string(c.VehicleClass), c.IsAvailable, c.SessionRef,
	)
	if err != nil {
		return fmt.Errorf("upsert captain: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE captains SET lat = $1, lon = $2, updated_at = NOW() WHERE id = $3`,
		loc.Lat, loc.Lon, id)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCaptainNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, id, sessionRef string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE captains SET session_ref = NULLIF($1,''), updated_at = NOW() WHERE id = $2`,
		sessionRef, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCaptainNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var class, status string
	var created, updated time.Time
	err := row.Scan(
		&r.ID, &r.RiderID, &r.CaptainID,
		&r.Pickup.Address, &r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon,
		&r.Destination.Address, &r.Destination.Coord.Lat, &r.Destination.Coord.Lon,
		&class, &r.Fare, &r.OTP, &r.PaymentRef, &status, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.RideStatus(status)
	r.CreatedAt = created
	r.UpdatedAt = updated
	return &r, nil
}

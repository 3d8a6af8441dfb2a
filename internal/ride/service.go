package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Service owns ride records and enforces the legal transitions. Every
// mutation is a single conditional write against the store, so a failed
// attempt never leaves a ride or captain half-updated.
type Service struct {
	rides    storage.RideStore
	captains storage.CaptainStore
	logger   *slog.Logger
}

func NewService(rides storage.RideStore, captains storage.CaptainStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{rides: rides, captains: captains, logger: logger}
}

type CreateCommand struct {
	RiderID      string
	Pickup       models.Place
	Destination  models.Place
	VehicleClass models.VehicleClass
	Fare         int64
	OTP          string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Ride, error) {
	switch {
	case cmd.RiderID == "":
		return nil, fmt.Errorf("%w: rider id is required", ErrValidation)
	case cmd.Pickup.Address == "" || cmd.Destination.Address == "":
		return nil, fmt.Errorf("%w: pickup and destination are required", ErrValidation)
	case cmd.Pickup.Coord == (models.Coord{}) || cmd.Destination.Coord == (models.Coord{}):
		return nil, fmt.Errorf("%w: pickup and destination coordinates are required", ErrValidation)
	case !cmd.VehicleClass.Valid():
		return nil, fmt.Errorf("%w: unknown vehicle class %q", ErrValidation, cmd.VehicleClass)
	case cmd.Fare <= 0:
		return nil, fmt.Errorf("%w: fare is required", ErrValidation)
	case cmd.OTP == "":
		return nil, fmt.Errorf("%w: otp is required", ErrValidation)
	}

	now := time.Now()
	r := &models.Ride{
		ID:           newID(),
		RiderID:      cmd.RiderID,
		Pickup:       cmd.Pickup,
		Destination:  cmd.Destination,
		VehicleClass: cmd.VehicleClass,
		Fare:         cmd.Fare,
		OTP:          cmd.OTP,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.rides.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	s.logger.Info("ride created", "ride_id", r.ID, "rider_id", r.RiderID, "class", r.VehicleClass)
	return r, nil
}

// Confirm assigns the ride to the captain iff the ride is still pending
// and the captain is still available. Both preconditions live inside the
// store's conditional write: of N captains racing one ride exactly one
// row match succeeds, and one captain racing two rides claims at most
// one. The availability pre-check here only shapes the error message.
func (s *Service) Confirm(ctx context.Context, rideID, captainID string) (*models.Ride, error) {
	if rideID == "" || captainID == "" {
		return nil, fmt.Errorf("%w: ride id and captain id are required", ErrValidation)
	}
	c, err := s.captains.GetCaptain(ctx, captainID)
	if err != nil {
		if errors.Is(err, storage.ErrCaptainNotFound) {
			return nil, fmt.Errorf("%w: captain not found", ErrConflict)
		}
		return nil, fmt.Errorf("load captain: %w", err)
	}
	if !c.IsAvailable {
		return nil, fmt.Errorf("%w: captain is not available", ErrConflict)
	}

	unavailable := false
	r, err := s.rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed,
		storage.TransitionOpts{AssignCaptainID: captainID, SetCaptainAvailable: &unavailable})
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride already taken or captain no longer available", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm ride: %w", err)
	}
	s.logger.Info("ride confirmed", "ride_id", r.ID, "captain_id", captainID)
	return r, nil
}

// Start verifies the OTP and moves the ride to started. An OTP or identity
// mismatch never touches the record.
func (s *Service) Start(ctx context.Context, rideID, captainID, code string) (*models.Ride, error) {
	if rideID == "" || captainID == "" || code == "" {
		return nil, fmt.Errorf("%w: ride id, captain id and otp are required", ErrValidation)
	}
	r, err := s.rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride not found", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("load ride: %w", err)
	}
	if r.CaptainID != captainID {
		return nil, fmt.Errorf("%w: ride is not assigned to this captain", ErrUnauthorized)
	}
	if !CanTransition(r.Status, models.StatusStarted) {
		return nil, fmt.Errorf("%w: ride is %s, not confirmed", ErrConflict, r.Status)
	}
	if r.OTP != code {
		return nil, fmt.Errorf("%w: invalid otp", ErrUnauthorized)
	}

	r, err = s.rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.StatusConfirmed}, models.StatusStarted,
		storage.TransitionOpts{MatchCaptainID: captainID})
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride is no longer confirmed", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("start ride: %w", err)
	}
	s.logger.Info("ride started", "ride_id", r.ID, "captain_id", captainID)
	return r, nil
}

// End completes a started ride and frees the captain.
func (s *Service) End(ctx context.Context, rideID, captainID string) (*models.Ride, error) {
	if rideID == "" || captainID == "" {
		return nil, fmt.Errorf("%w: ride id and captain id are required", ErrValidation)
	}
	available := true
	r, err := s.rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.StatusStarted}, models.StatusCompleted,
		storage.TransitionOpts{MatchCaptainID: captainID, SetCaptainAvailable: &available})
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride not found or not started", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("end ride: %w", err)
	}
	s.logger.Info("ride completed", "ride_id", r.ID, "captain_id", captainID)
	return r, nil
}

// CancelByRider cancels a pending or confirmed ride. The captain's
// availability is restored only when one was assigned.
func (s *Service) CancelByRider(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	if rideID == "" || riderID == "" {
		return nil, fmt.Errorf("%w: ride id and rider id are required", ErrValidation)
	}
	available := true
	r, err := s.rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.StatusPending, models.StatusConfirmed}, models.StatusCancelled,
		storage.TransitionOpts{MatchRiderID: riderID, SetCaptainAvailable: &available})
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride not found or cannot be cancelled", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel ride: %w", err)
	}
	s.logger.Info("ride cancelled by rider", "ride_id", r.ID, "rider_id", riderID)
	return r, nil
}

// CancelByCaptain cancels a confirmed or started ride and frees the captain.
func (s *Service) CancelByCaptain(ctx context.Context, rideID, captainID string) (*models.Ride, error) {
	if rideID == "" || captainID == "" {
		return nil, fmt.Errorf("%w: ride id and captain id are required", ErrValidation)
	}
	available := true
	r, err := s.rides.TransitionRide(ctx, rideID,
		[]models.RideStatus{models.StatusConfirmed, models.StatusStarted}, models.StatusCancelled,
		storage.TransitionOpts{MatchCaptainID: captainID, SetCaptainAvailable: &available})
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride not found or cannot be cancelled", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel ride: %w", err)
	}
	s.logger.Info("ride cancelled by captain", "ride_id", r.ID, "captain_id", captainID)
	return r, nil
}

// SetPaymentRef records the settlement reference on the ride record.
func (s *Service) SetPaymentRef(ctx context.Context, rideID, ref string) error {
	if err := s.rides.SetPaymentRef(ctx, rideID, ref); err != nil {
		return fmt.Errorf("set payment ref: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNoMatch) {
		return nil, fmt.Errorf("%w: ride not found", ErrConflict)
	}
	return r, err
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

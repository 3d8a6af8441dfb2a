package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRide(t *testing.T, m *MemoryStore, status models.RideStatus, captainID string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:      "ride1",
		RiderID: "rider1",
		Pickup:  models.Place{Address: "A", Coord: models.Coord{Lat: 1, Lon: 1}},
		Destination: models.Place{
			Address: "B", Coord: models.Coord{Lat: 2, Lon: 2},
		},
		VehicleClass: models.VehicleCar,
		Fare:         155,
		OTP:          "123456",
		Status:       status,
		CaptainID:    captainID,
	}
	if err := m.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestTransitionRideWrongStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusCompleted, "c1")

	_, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed, TransitionOpts{})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}

	r, err := m.GetRide(ctx, "ride1")
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if r.Status != models.StatusCompleted {
		t.Fatalf("record mutated on failed transition: %s", r.Status)
	}
}

func TestTransitionRideMissing(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.TransitionRide(context.Background(), "nope",
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed, TransitionOpts{})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestTransitionRideIdentityPreconditions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusConfirmed, "c1")

	_, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusConfirmed}, models.StatusStarted,
		TransitionOpts{MatchCaptainID: "intruder"})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("wrong captain should not match, got %v", err)
	}

	_, err = m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusConfirmed}, models.StatusCancelled,
		TransitionOpts{MatchRiderID: "someone-else"})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("wrong rider should not match, got %v", err)
	}
}

func TestTransitionFlipsAvailabilityWithStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusPending, "")
	if err := m.UpsertCaptain(ctx, &models.Captain{ID: "c1", IsAvailable: true}); err != nil {
		t.Fatalf("upsert captain: %v", err)
	}

	unavailable := false
	r, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed,
		TransitionOpts{AssignCaptainID: "c1", SetCaptainAvailable: &unavailable})
	if err != nil {
		t.Fatalf("confirm transition: %v", err)
	}
	if r.CaptainID != "c1" || r.Status != models.StatusConfirmed {
		t.Fatalf("unexpected ride after confirm: %+v", r)
	}
	c, err := m.GetCaptain(ctx, "c1")
	if err != nil {
		t.Fatalf("get captain: %v", err)
	}
	if c.IsAvailable {
		t.Fatal("captain should be unavailable after confirm")
	}
}

func TestCancelWithoutCaptainLeavesAvailabilityAlone(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusPending, "")
	if err := m.UpsertCaptain(ctx, &models.Captain{ID: "c1", IsAvailable: false}); err != nil {
		t.Fatalf("upsert captain: %v", err)
	}

	available := true
	if _, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusPending, models.StatusConfirmed}, models.StatusCancelled,
		TransitionOpts{MatchRiderID: "rider1", SetCaptainAvailable: &available}); err != nil {
		t.Fatalf("cancel transition: %v", err)
	}
	// the flip only applies to the ride's assigned captain, and there is none
	c, _ := m.GetCaptain(ctx, "c1")
	if c.IsAvailable {
		t.Fatal("unrelated captain availability must not change")
	}
}

func TestGetRideReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusPending, "")

	r1, _ := m.GetRide(ctx, "ride1")
	r1.Status = models.StatusCompleted
	r2, _ := m.GetRide(ctx, "ride1")
	if r2.Status != models.StatusPending {
		t.Fatal("store leaked internal ride pointer")
	}
}

func TestClaimRequiresAvailableCaptain(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusPending, "")
	if err := m.UpsertCaptain(ctx, &models.Captain{ID: "c1", IsAvailable: false}); err != nil {
		t.Fatalf("upsert captain: %v", err)
	}

	unavailable := false
	_, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed,
		TransitionOpts{AssignCaptainID: "c1", SetCaptainAvailable: &unavailable})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("claim on a held captain: expected ErrNoMatch, got %v", err)
	}

	// the failed claim leaves the ride exactly as it was
	r, err := m.GetRide(ctx, "ride1")
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if r.Status != models.StatusPending || r.CaptainID != "" {
		t.Fatalf("ride mutated by failed claim: %+v", r)
	}

	// releasing does not require any availability precondition
	if err := m.UpsertCaptain(ctx, &models.Captain{ID: "c2", IsAvailable: true}); err != nil {
		t.Fatalf("upsert captain: %v", err)
	}
	if _, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed,
		TransitionOpts{AssignCaptainID: "c2", SetCaptainAvailable: &unavailable}); err != nil {
		t.Fatalf("claim on an available captain: %v", err)
	}
	available := true
	if _, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusConfirmed}, models.StatusCancelled,
		TransitionOpts{MatchRiderID: "rider1", SetCaptainAvailable: &available}); err != nil {
		t.Fatalf("release transition: %v", err)
	}
	c, _ := m.GetCaptain(ctx, "c2")
	if !c.IsAvailable {
		t.Fatal("captain should be available after release")
	}
}

func TestClaimUnknownCaptainFails(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRide(t, m, models.StatusPending, "")

	unavailable := false
	_, err := m.TransitionRide(ctx, "ride1",
		[]models.RideStatus{models.StatusPending}, models.StatusConfirmed,
		TransitionOpts{AssignCaptainID: "ghost", SetCaptainAvailable: &unavailable})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("claim on unknown captain: expected ErrNoMatch, got %v", err)
	}
}

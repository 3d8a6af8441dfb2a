package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoMatch is returned by TransitionRide when no record satisfied the
// id + status (+ identity) precondition: either the ride does not exist
// or a racing caller got there first.
var ErrNoMatch = errors.New("no ride matched the transition precondition")

var ErrCaptainNotFound = errors.New("captain not found")

// TransitionOpts narrows the conditional write and names its side effects.
// The availability flip, when requested, is applied in the same critical
// section (memory) or transaction (postgres) as the status change.
type TransitionOpts struct {
	// AssignCaptainID sets the ride's captain on success (confirm only).
	AssignCaptainID string
	// MatchCaptainID / MatchRiderID add identity preconditions.
	MatchCaptainID string
	MatchRiderID   string
	// SetCaptainAvailable flips the assigned captain's availability on
	// success. Ignored when the ride has no captain. Flipping to false
	// while assigning is a claim: it only matches a captain that is
	// currently available, so one captain can never be held by two rides.
	SetCaptainAvailable *bool
}

// RideStore is the persistence contract for rides. Every transition is a
// single conditional write: apply only if the ride is still in one of the
// expected statuses, otherwise ErrNoMatch with no side effect.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, opts TransitionOpts) (*models.Ride, error)
	SetPaymentRef(ctx context.Context, id, ref string) error
}

type CaptainStore interface {
	GetCaptain(ctx context.Context, id string) (*models.Captain, error)
	UpsertCaptain(ctx context.Context, c *models.Captain) error
	UpdateLocation(ctx context.Context, id string, loc models.Coord) error
	UpdateSession(ctx context.Context, id, sessionRef string) error
}

// MemoryStore keeps rides and captains under one mutex, which makes every
// transition trivially atomic. Used by tests and single-node local runs.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]*models.Ride
	captains map[string]*models.Captain
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		captains: make(map[string]*models.Captain),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNoMatch
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from []models.RideStatus, to models.RideStatus, opts TransitionOpts) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNoMatch
	}
	if !statusIn(r.Status, from) {
		return nil, ErrNoMatch
	}
	if opts.MatchCaptainID != "" && r.CaptainID != opts.MatchCaptainID {
		return nil, ErrNoMatch
	}
	if opts.MatchRiderID != "" && r.RiderID != opts.MatchRiderID {
		return nil, ErrNoMatch
	}
	if claimsCaptain(opts) {
		c, ok := m.captains[opts.AssignCaptainID]
		if !ok || !c.IsAvailable {
			return nil, ErrNoMatch
		}
	}

	r.Status = to
	if opts.AssignCaptainID != "" {
		r.CaptainID = opts.AssignCaptainID
	}
	r.UpdatedAt = time.Now()

	if opts.SetCaptainAvailable != nil && r.CaptainID != "" {
		if c, ok := m.captains[r.CaptainID]; ok {
			c.IsAvailable = *opts.SetCaptainAvailable
		}
	}

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetPaymentRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNoMatch
	}
	r.PaymentRef = ref
	return nil
}

func (m *MemoryStore) GetCaptain(_ context.Context, id string) (*models.Captain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[id]
	if !ok {
		return nil, ErrCaptainNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertCaptain(_ context.Context, c *models.Captain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Updated = time.Now()
	m.captains[c.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[id]
	if !ok {
		return ErrCaptainNotFound
	}
	c.Loc = loc
	c.Updated = time.Now()
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id, sessionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captains[id]
	if !ok {
		return ErrCaptainNotFound
	}
	c.SessionRef = sessionRef
	return nil
}

// claimsCaptain reports whether the transition takes a captain off the
// market, which must only succeed against a currently available captain.
func claimsCaptain(opts TransitionOpts) bool {
	return opts.AssignCaptainID != "" && opts.SetCaptainAvailable != nil && !*opts.SetCaptainAvailable
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeGeocoder struct {
	places map[string]models.Coord
}

func (f *fakeGeocoder) Resolve(_ context.Context, address string) (models.Coord, error) {
	c, ok := f.places[address]
	if !ok {
		return models.Coord{}, maps.ErrNotFound
	}
	return c, nil
}

type fakeRouter struct {
	route   maps.Route
	err     error
	lineErr error
}

func (f *fakeRouter) Estimate(context.Context, models.Coord, models.Coord) (maps.Route, error) {
	return f.route, f.err
}

func (f *fakeRouter) Polyline(_ context.Context, origin, destination models.Coord) ([]models.Coord, error) {
	if f.lineErr != nil {
		return nil, f.lineErr
	}
	return []models.Coord{origin, destination}, nil
}

type sentEvent struct {
	Session string
	Event   string
	Payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
}

func (n *recordingNotifier) Emit(sessionRef, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, sentEvent{Session: sessionRef, Event: event, Payload: payload})
	return nil
}

func (n *recordingNotifier) sent(session, event string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if (session == "" || e.Session == session) && (event == "" || e.Event == event) {
			out = append(out, e)
		}
	}
	return out
}

type fakeGateway struct {
	mu       sync.Mutex
	holds    []string
	captures []string
	releases []string
	holdErr  error
}

func (g *fakeGateway) Hold(_ context.Context, rideID string, amount int64, currency string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holdErr != nil {
		return "", g.holdErr
	}
	ref := "pi_" + rideID
	g.holds = append(g.holds, fmt.Sprintf("%s:%d:%s", rideID, amount, currency))
	return ref, nil
}

func (g *fakeGateway) Capture(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures = append(g.captures, ref)
	return nil
}

func (g *fakeGateway) Release(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases = append(g.releases, ref)
	return nil
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	index    *geo.MemoryIndex
	notifier *recordingNotifier
	gateway  *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	index := geo.NewMemoryIndex()
	notifier := &recordingNotifier{}
	gateway := &fakeGateway{}
	rides := ride.NewService(store, store, nil)
	geocoder := &fakeGeocoder{places: map[string]models.Coord{
		"MG Road":     {Lat: 12.9758, Lon: 77.6045},
		"Indiranagar": {Lat: 12.9719, Lon: 77.6412},
		"Mysuru":      {Lat: 12.2958, Lon: 76.6394},
	}}
	router := &fakeRouter{route: maps.Route{DistanceMeters: 5000, DurationSeconds: 600}}
	svc := New(rides, fare.New(fare.DefaultTable()), geocoder, router, index, notifier, gateway,
		Options{OTPDigits: 6, RadiusMeters: 10000}, nil)
	return &fixture{svc: svc, store: store, index: index, notifier: notifier, gateway: gateway}
}

func (f *fixture) addCaptain(t *testing.T, id string, loc models.Coord, available bool) {
	t.Helper()
	ctx := context.Background()
	c := models.Captain{ID: id, Loc: loc, VehicleClass: models.VehicleAuto, IsAvailable: available}
	if err := f.store.UpsertCaptain(ctx, &c); err != nil {
		t.Fatalf("store upsert: %v", err)
	}
	if err := f.index.Upsert(ctx, c); err != nil {
		t.Fatalf("index upsert: %v", err)
	}
}

func TestCreateRideBroadcastsToNearbyAvailableCaptains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	near := models.Coord{Lat: 12.976, Lon: 77.605}
	f.addCaptain(t, "near", near, true)
	f.addCaptain(t, "busy", near, false)
	f.addCaptain(t, "far", models.Coord{Lat: 12.2958, Lon: 76.6394}, true)

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	if r.Status != models.StatusPending {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Fare != 100 { // 30 + 5*10 + 10*2 for the default auto rate
		t.Fatalf("fare = %d, want 100", r.Fare)
	}
	if len(r.OTP) != 6 || strings.Trim(r.OTP, "0123456789") != "" {
		t.Fatalf("otp = %q", r.OTP)
	}

	offers := f.notifier.sent("", "new-ride")
	if len(offers) != 1 {
		t.Fatalf("offers = %+v, want one", offers)
	}
	if offers[0].Session != "captain:near" {
		t.Fatalf("offer went to %s", offers[0].Session)
	}
	offered, ok := offers[0].Payload.(*models.Ride)
	if !ok {
		t.Fatalf("offer payload is %T", offers[0].Payload)
	}
	if offered.ID != r.ID {
		t.Fatalf("offered ride %s, want %s", offered.ID, r.ID)
	}
}

func TestCreateRideRejectsUnknownAddress(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRide(context.Background(), CreateRideRequest{
		RiderID: "rider1", Pickup: "Atlantis", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if !errors.Is(err, maps.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRideValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []CreateRideRequest{
		{RiderID: "", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto},
		{RiderID: "r", Pickup: "", Destination: "Indiranagar", VehicleClass: models.VehicleAuto},
		{RiderID: "r", Pickup: "MG Road", Destination: "", VehicleClass: models.VehicleAuto},
		{RiderID: "r", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: "spaceship"},
	}
	for i, req := range cases {
		if _, err := f.svc.CreateRide(ctx, req); !errors.Is(err, ride.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestGetFareQuotesAllClasses(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.GetFare(context.Background(), "MG Road", "Indiranagar")
	if err != nil {
		t.Fatalf("get fare: %v", err)
	}
	want := map[models.VehicleClass]int64{
		models.VehicleAuto: 100, models.VehicleCar: 155, models.VehicleMoto: 75,
	}
	for class, amount := range want {
		if q[class] != amount {
			t.Errorf("%s = %d, want %d", class, q[class], amount)
		}
	}
}

func TestConfirmRideStripsOTPFromCaptainPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	near := models.Coord{Lat: 12.976, Lon: 77.605}
	f.addCaptain(t, "c1", near, true)

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := f.svc.ConfirmRide(ctx, r.ID, "c1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Ride.Status != models.StatusConfirmed || res.Ride.CaptainID != "c1" {
		t.Fatalf("result ride %+v", res.Ride)
	}
	if len(res.Route) == 0 {
		t.Fatal("expected a polyline")
	}

	riderMsgs := f.notifier.sent("rider:rider1", "ride-confirmed")
	if len(riderMsgs) != 1 {
		t.Fatalf("rider notifications = %d", len(riderMsgs))
	}
	riderCopy := riderMsgs[0].Payload.(ConfirmResult)
	if riderCopy.Ride.OTP == "" {
		t.Fatal("rider copy must keep the otp")
	}

	captainMsgs := f.notifier.sent("captain:c1", "ride-confirmed")
	if len(captainMsgs) != 1 {
		t.Fatalf("captain notifications = %d", len(captainMsgs))
	}
	captainCopy := captainMsgs[0].Payload.(ConfirmResult)
	if captainCopy.Ride.OTP != "" {
		t.Fatal("captain copy must not carry the otp")
	}

	// confirmed captain disappears from nearby results
	caps, err := f.svc.NearbyCaptains(ctx, near, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(caps) != 0 {
		t.Fatalf("nearby after confirm = %v", caps)
	}

	// a payment hold was placed for the fare
	if len(f.gateway.holds) != 1 {
		t.Fatalf("holds = %v", f.gateway.holds)
	}
	if want := fmt.Sprintf("%s:%d:inr", r.ID, r.Fare); f.gateway.holds[0] != want {
		t.Fatalf("hold = %q, want %q", f.gateway.holds[0], want)
	}
	if res.Ride.PaymentRef != "pi_"+r.ID {
		t.Fatalf("result payment ref = %q", res.Ride.PaymentRef)
	}
	stored, err := f.store.GetRide(ctx, r.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if stored.PaymentRef != "pi_"+r.ID {
		t.Fatalf("stored payment ref = %q", stored.PaymentRef)
	}
}

func TestConfirmRideSurvivesPolylineFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCaptain(t, "c1", models.Coord{Lat: 12.976, Lon: 77.605}, true)

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.svc.router.(*fakeRouter).lineErr = &maps.UpstreamError{Op: "directions", Err: errors.New("timeout")}
	res, err := f.svc.ConfirmRide(ctx, r.ID, "c1")
	if err != nil {
		t.Fatalf("confirm must not fail on polyline error: %v", err)
	}
	if len(res.Route) != 0 {
		t.Fatalf("route = %v, want empty", res.Route)
	}
	if res.Ride.Status != models.StatusConfirmed {
		t.Fatalf("status = %s", res.Ride.Status)
	}
}

func TestFullRideLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	near := models.Coord{Lat: 12.976, Lon: 77.605}
	f.addCaptain(t, "c1", near, true)

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleCar,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.ConfirmRide(ctx, r.ID, "c1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := f.svc.StartRide(ctx, r.ID, "c1", "wrong"); !errors.Is(err, ride.ErrUnauthorized) {
		t.Fatalf("wrong otp: expected ErrUnauthorized, got %v", err)
	}
	started, err := f.svc.StartRide(ctx, r.ID, "c1", r.OTP)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != models.StatusStarted {
		t.Fatalf("status = %s", started.Status)
	}

	ended, err := f.svc.EndRide(ctx, r.ID, "c1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != models.StatusCompleted {
		t.Fatalf("status = %s", ended.Status)
	}

	// captain is back on the market, fare is captured
	caps, err := f.svc.NearbyCaptains(ctx, near, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(caps) != 1 || caps[0].ID != "c1" {
		t.Fatalf("nearby after end = %v", caps)
	}
	if len(f.gateway.captures) != 1 || f.gateway.captures[0] != "pi_"+r.ID {
		t.Fatalf("captures = %v", f.gateway.captures)
	}

	for _, event := range []string{"ride-started", "ride-ended"} {
		if got := f.notifier.sent("rider:rider1", event); len(got) != 1 {
			t.Errorf("rider %s notifications = %d", event, len(got))
		}
		if got := f.notifier.sent("captain:c1", event); len(got) != 1 {
			t.Errorf("captain %s notifications = %d", event, len(got))
		}
	}
}

func TestCancelByCaptainReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCaptain(t, "c1", models.Coord{Lat: 12.976, Lon: 77.605}, true)

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.ConfirmRide(ctx, r.ID, "c1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	cancelled, err := f.svc.CancelRideByCaptain(ctx, r.ID, "c1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if len(f.gateway.releases) != 1 || f.gateway.releases[0] != "pi_"+r.ID {
		t.Fatalf("releases = %v", f.gateway.releases)
	}
	if got := f.notifier.sent("rider:rider1", "ride-cancelled"); len(got) != 1 {
		t.Fatalf("rider cancel notifications = %d", len(got))
	}
}

func TestCancelByRiderBeforeAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := f.svc.CancelRideByRider(ctx, r.ID, "rider1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	// no captain and no hold yet, so nothing to notify or release
	if got := f.notifier.sent("", "ride-cancelled"); len(got) != 1 || got[0].Session != "rider:rider1" {
		t.Fatalf("cancel notifications = %+v", got)
	}
	if len(f.gateway.releases) != 0 {
		t.Fatalf("releases = %v", f.gateway.releases)
	}
}

func TestConcurrentConfirmThroughCoordinator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	near := models.Coord{Lat: 12.976, Lon: 77.605}
	const captains = 16
	ids := make([]string, captains)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
		f.addCaptain(t, ids[i], near, true)
	}

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	var wins, conflicts int32
	var mu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.ConfirmRide(ctx, r.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ride.ErrConflict):
				conflicts++
			default:
				t.Errorf("captain %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if wins != 1 || conflicts != captains-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, captains-1)
	}
	if len(f.gateway.holds) != 1 {
		t.Fatalf("holds = %v, want exactly one", f.gateway.holds)
	}
}

func TestNotifyFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCaptain(t, "c1", models.Coord{Lat: 12.976, Lon: 77.605}, true)
	f.notifier.err = errors.New("session gone")

	r, err := f.svc.CreateRide(ctx, CreateRideRequest{
		RiderID: "rider1", Pickup: "MG Road", Destination: "Indiranagar", VehicleClass: models.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create with dead sessions: %v", err)
	}
	if _, err := f.svc.ConfirmRide(ctx, r.ID, "c1"); err != nil {
		t.Fatalf("confirm with dead sessions: %v", err)
	}
}

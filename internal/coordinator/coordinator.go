package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
)

// Service orchestrates the ride flow: geocode, quote, create, offer to
// nearby captains, and drive every later transition with its events.
type Service struct {
	rides    *ride.Service
	fares    *fare.Calculator
	geocoder maps.Geocoder
	router   maps.Router
	index    geo.Index
	notifier dispatch.Notifier
	payments payments.Gateway // nil disables settlement

	otpDigits    int
	radiusMeters float64
	currency     string
	logger       *slog.Logger
}

type Options struct {
	OTPDigits    int
	RadiusMeters float64
	Currency     string
}

func New(rides *ride.Service, fares *fare.Calculator, geocoder maps.Geocoder, router maps.Router,
	index geo.Index, notifier dispatch.Notifier, gateway payments.Gateway,
	opts Options, logger *slog.Logger) *Service {
	if opts.OTPDigits == 0 {
		opts.OTPDigits = 6
	}
	if opts.RadiusMeters == 0 {
		opts.RadiusMeters = 50000 // 50 km
	}
	if opts.Currency == "" {
		opts.Currency = "inr"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rides:        rides,
		fares:        fares,
		geocoder:     geocoder,
		router:       router,
		index:        index,
		notifier:     notifier,
		payments:     gateway,
		otpDigits:    opts.OTPDigits,
		radiusMeters: opts.RadiusMeters,
		currency:     opts.Currency,
		logger:       logger,
	}
}

type CreateRideRequest struct {
	RiderID      string
	Pickup       string
	Destination  string
	VehicleClass models.VehicleClass
}

// CreateRide resolves addresses, fixes the fare, generates the OTP,
// persists the pending ride and offers it to every available captain
// within the dispatch radius. Offer delivery is best effort and never
// fails the request.
func (s *Service) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	if req.RiderID == "" || req.Pickup == "" || req.Destination == "" {
		return nil, fmt.Errorf("%w: rider, pickup and destination are required", ride.ErrValidation)
	}
	if !req.VehicleClass.Valid() {
		return nil, fmt.Errorf("%w: unknown vehicle class %q", ride.ErrValidation, req.VehicleClass)
	}

	pickup, err := s.geocoder.Resolve(ctx, req.Pickup)
	if err != nil {
		return nil, fmt.Errorf("resolve pickup: %w", err)
	}
	destination, err := s.geocoder.Resolve(ctx, req.Destination)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	route, err := s.router.Estimate(ctx, pickup, destination)
	if err != nil {
		return nil, fmt.Errorf("estimate route: %w", err)
	}
	amount, err := s.fares.ForClass(req.VehicleClass, route.DistanceMeters, route.DurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ride.ErrValidation, err)
	}
	code, err := otp.Generate(s.otpDigits)
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}

	r, err := s.rides.Create(ctx, ride.CreateCommand{
		RiderID:      req.RiderID,
		Pickup:       models.Place{Address: req.Pickup, Coord: pickup},
		Destination:  models.Place{Address: req.Destination, Coord: destination},
		VehicleClass: req.VehicleClass,
		Fare:         amount,
		OTP:          code,
	})
	if err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()

	s.broadcastOffer(ctx, r)
	return r, nil
}

// broadcastOffer pushes the new ride to every candidate captain session.
// The pre-confirmation offer carries the full ride record; the OTP is
// withheld from captains only at and after confirmation.
func (s *Service) broadcastOffer(ctx context.Context, r *models.Ride) {
	captains, err := s.index.Nearby(ctx, r.Pickup.Coord, s.radiusMeters)
	if err != nil {
		s.logger.Warn("nearby lookup failed, offer not broadcast", "ride_id", r.ID, "error", err)
		return
	}
	s.logger.Info("broadcasting ride offer", "ride_id", r.ID, "candidates", len(captains))
	for _, c := range captains {
		ref := c.SessionRef
		if ref == "" {
			ref = dispatch.CaptainSession(c.ID)
		}
		s.emit(ref, "new-ride", r)
		observability.OffersBroadcast.Inc()
	}
}

// GetFare quotes every vehicle class for a pickup/destination pair.
func (s *Service) GetFare(ctx context.Context, pickup, destination string) (fare.Quote, error) {
	if pickup == "" || destination == "" {
		return nil, fmt.Errorf("%w: pickup and destination are required", ride.ErrValidation)
	}
	from, err := s.geocoder.Resolve(ctx, pickup)
	if err != nil {
		return nil, fmt.Errorf("resolve pickup: %w", err)
	}
	to, err := s.geocoder.Resolve(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	route, err := s.router.Estimate(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("estimate route: %w", err)
	}
	q, err := s.fares.Estimate(route.DistanceMeters, route.DurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ride.ErrValidation, err)
	}
	return q, nil
}

// ConfirmResult is the confirmation outcome pushed to both parties. The
// captain copy of the ride has the OTP stripped.
type ConfirmResult struct {
	Ride  models.Ride    `json:"ride"`
	Route []models.Coord `json:"route,omitempty"`
}

// ConfirmRide runs the atomic assignment and, on success, fetches the
// route polyline and notifies both parties. The polyline is display-only:
// a routing provider hiccup degrades to an empty route rather than
// contradicting the already-applied confirmation.
func (s *Service) ConfirmRide(ctx context.Context, rideID, captainID string) (*ConfirmResult, error) {
	r, err := s.rides.Confirm(ctx, rideID, captainID)
	if err != nil {
		if errors.Is(err, ride.ErrConflict) {
			observability.ConfirmConflicts.Inc()
		}
		return nil, err
	}
	observability.RidesConfirmed.Inc()

	if err := s.index.SetAvailability(ctx, captainID, false); err != nil {
		s.logger.Warn("geo availability update failed", "captain_id", captainID, "error", err)
	}

	var route []models.Coord
	if line, err := s.router.Polyline(ctx, r.Pickup.Coord, r.Destination.Coord); err != nil {
		s.logger.Warn("route polyline unavailable", "ride_id", r.ID, "error", err)
	} else {
		route = line
	}

	if s.payments != nil {
		if ref, err := s.payments.Hold(ctx, r.ID, r.Fare, s.currency); err != nil {
			s.logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		} else if err := s.rides.SetPaymentRef(ctx, r.ID, ref); err != nil {
			s.logger.Warn("payment ref not recorded", "ride_id", r.ID, "error", err)
		} else {
			r.PaymentRef = ref
		}
	}

	s.emit(dispatch.RiderSession(r.RiderID), "ride-confirmed", ConfirmResult{Ride: *r, Route: route})
	s.emit(dispatch.CaptainSession(captainID), "ride-confirmed", ConfirmResult{Ride: r.ForCaptain(), Route: route})
	return &ConfirmResult{Ride: *r, Route: route}, nil
}

// StartRide verifies the OTP and notifies both parties.
func (s *Service) StartRide(ctx context.Context, rideID, captainID, code string) (*models.Ride, error) {
	r, err := s.rides.Start(ctx, rideID, captainID, code)
	if err != nil {
		return nil, err
	}
	s.emit(dispatch.RiderSession(r.RiderID), "ride-started", r)
	s.emit(dispatch.CaptainSession(captainID), "ride-started", r.ForCaptain())
	return r, nil
}

// EndRide completes the ride, frees the captain, captures the fare and
// notifies both parties.
func (s *Service) EndRide(ctx context.Context, rideID, captainID string) (*models.Ride, error) {
	r, err := s.rides.End(ctx, rideID, captainID)
	if err != nil {
		return nil, err
	}
	if err := s.index.SetAvailability(ctx, captainID, true); err != nil {
		s.logger.Warn("geo availability update failed", "captain_id", captainID, "error", err)
	}
	s.settle(ctx, r, true)
	s.emit(dispatch.RiderSession(r.RiderID), "ride-ended", r)
	s.emit(dispatch.CaptainSession(captainID), "ride-ended", r.ForCaptain())
	return r, nil
}

// CancelRideByRider cancels a pending or confirmed ride on the rider's
// behalf and releases any held payment.
func (s *Service) CancelRideByRider(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	r, err := s.rides.CancelByRider(ctx, rideID, riderID)
	if err != nil {
		return nil, err
	}
	if r.CaptainID != "" {
		if err := s.index.SetAvailability(ctx, r.CaptainID, true); err != nil {
			s.logger.Warn("geo availability update failed", "captain_id", r.CaptainID, "error", err)
		}
		s.emit(dispatch.CaptainSession(r.CaptainID), "ride-cancelled", r.ForCaptain())
	}
	s.settle(ctx, r, false)
	s.emit(dispatch.RiderSession(riderID), "ride-cancelled", r)
	return r, nil
}

// CancelRideByCaptain cancels a confirmed or started ride on the
// captain's behalf.
func (s *Service) CancelRideByCaptain(ctx context.Context, rideID, captainID string) (*models.Ride, error) {
	r, err := s.rides.CancelByCaptain(ctx, rideID, captainID)
	if err != nil {
		return nil, err
	}
	if err := s.index.SetAvailability(ctx, captainID, true); err != nil {
		s.logger.Warn("geo availability update failed", "captain_id", captainID, "error", err)
	}
	s.settle(ctx, r, false)
	s.emit(dispatch.RiderSession(r.RiderID), "ride-cancelled", r)
	s.emit(dispatch.CaptainSession(captainID), "ride-cancelled", r.ForCaptain())
	return r, nil
}

// NearbyCaptains lists available captains around a point. A zero radius
// uses the dispatch default.
func (s *Service) NearbyCaptains(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Captain, error) {
	if radiusMeters <= 0 {
		radiusMeters = s.radiusMeters
	}
	return s.index.Nearby(ctx, center, radiusMeters)
}

// settle captures or releases the payment hold. Settlement is advisory
// relative to the ride record: failures are logged for reconciliation.
func (s *Service) settle(ctx context.Context, r *models.Ride, capture bool) {
	if s.payments == nil || r.PaymentRef == "" {
		return
	}
	var err error
	if capture {
		err = s.payments.Capture(ctx, r.PaymentRef)
	} else {
		err = s.payments.Release(ctx, r.PaymentRef)
	}
	if err != nil {
		s.logger.Warn("payment settlement failed", "ride_id", r.ID, "capture", capture, "error", err)
	}
}

// emit is fire-and-forget: an offline session is logged, counted and
// otherwise ignored.
func (s *Service) emit(sessionRef, event string, payload any) {
	if err := s.notifier.Emit(sessionRef, event, payload); err != nil {
		observability.NotifyFailures.Inc()
		s.logger.Warn("notify failed", "session", sessionRef, "event", event, "error", err)
	}
}

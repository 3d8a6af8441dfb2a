package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/coordinator"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/reports"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Coordinator *coordinator.Service
	Geo         geo.Index
	Captains    storage.CaptainStore
	Kafka       *ingest.KafkaProducer // nil when no brokers configured
	WSReg       *dispatch.WSRegistry
	ORS         *maps.ORSClient // nil when no provider configured
	Reports     *reports.Store  // nil without postgres

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(c *coordinator.Service, index geo.Index, captains storage.CaptainStore,
	kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, ors *maps.ORSClient,
	rep *reports.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Coordinator: c,
		Geo:         index,
		Captains:    captains,
		Kafka:       kafka,
		WSReg:       wsreg,
		ORS:         ors,
		Reports:     rep,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/fare", s.handleGetFare).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/confirm", s.handleConfirmRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/end", s.handleEndRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancelByRider).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel-by-captain", s.handleCancelByCaptain).Methods("POST")
	s.mux.HandleFunc("/api/v1/captains/nearby", s.handleNearbyCaptains).Methods("GET")
	s.mux.HandleFunc("/api/v1/maps/suggest", s.handleSuggest).Methods("GET")
	s.mux.HandleFunc("/api/v1/reports/rides", s.handleRideReport).Methods("GET")
	s.mux.HandleFunc("/api/v1/reports/captains", s.handleCaptainReport).Methods("GET")
	s.mux.HandleFunc("/internal/captain/locations", s.handleCaptainLocation).Methods("POST")
	s.mux.HandleFunc("/ws/captain/{id}", s.handleCaptainWS)
	s.mux.HandleFunc("/ws/rider/{id}", s.handleRiderWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiderID      string `json:"rider_id"`
		Pickup       string `json:"pickup"`
		Destination  string `json:"destination"`
		VehicleClass string `json:"vehicle_class"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Coordinator.CreateRide(r.Context(), coordinator.CreateRideRequest{
		RiderID:      req.RiderID,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		VehicleClass: models.VehicleClass(req.VehicleClass),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetFare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.Coordinator.GetFare(r.Context(), q.Get("pickup"), q.Get("destination"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirmRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaptainID string `json:"captain_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.Coordinator.ConfirmRide(r.Context(), mux.Vars(r)["id"], req.CaptainID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// the confirming captain gets the OTP-free view
	s.writeJSON(w, http.StatusOK, coordinator.ConfirmResult{Ride: res.Ride.ForCaptain(), Route: res.Route})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaptainID string `json:"captain_id"`
		OTP       string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Coordinator.StartRide(r.Context(), mux.Vars(r)["id"], req.CaptainID, req.OTP)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out.ForCaptain())
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaptainID string `json:"captain_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Coordinator.EndRide(r.Context(), mux.Vars(r)["id"], req.CaptainID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out.ForCaptain())
}

func (s *Server) handleCancelByRider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Coordinator.CancelRideByRider(r.Context(), mux.Vars(r)["id"], req.RiderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelByCaptain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CaptainID string `json:"captain_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Coordinator.CancelRideByCaptain(r.Context(), mux.Vars(r)["id"], req.CaptainID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out.ForCaptain())
}

func (s *Server) handleNearbyCaptains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("lat and lon are required"))
		return
	}
	radius, _ := strconv.ParseFloat(q.Get("radius"), 64)
	captains, err := s.Coordinator.NearbyCaptains(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, captains)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if s.ORS == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("no geocoding provider configured"))
		return
	}
	labels, err := s.ORS.Suggest(r.Context(), r.URL.Query().Get("input"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, labels)
}

func (s *Server) handleRideReport(w http.ResponseWriter, r *http.Request) {
	if s.Reports == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("reporting requires postgres"))
		return
	}
	q := r.URL.Query()
	f := reports.RideFilter{Status: q.Get("status"), VehicleClass: q.Get("vehicle_class")}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Until = t
	}
	n, err := s.Reports.CountRides(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleCaptainReport(w http.ResponseWriter, r *http.Request) {
	if s.Reports == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("reporting requires postgres"))
		return
	}
	q := r.URL.Query()
	f := reports.CaptainFilter{VehicleClass: q.Get("vehicle_class")}
	if v := q.Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Available = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Until = t
	}
	n, err := s.Reports.CountCaptains(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// handleCaptainLocation ingests a location ping: publish to Kafka when
// configured (the consumer owns the geo index then), otherwise update the
// index and captain store directly.
func (s *Server) handleCaptainLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if u.CaptainID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("captain_id is required"))
		return
	}
	u.SentAt = time.Now()

	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Error("kafka publish failed", "captain_id", u.CaptainID, "error", err)
			s.writeError(w, http.StatusBadGateway, errors.New("location ingestion unavailable"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	c := models.Captain{
		ID:           u.CaptainID,
		Loc:          u.Loc,
		VehicleClass: u.VehicleClass,
		IsAvailable:  u.IsAvailable,
	}
	if err := s.Captains.UpsertCaptain(r.Context(), &c); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.Geo.Upsert(r.Context(), c); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleCaptainWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ref := dispatch.CaptainSession(id)
	s.WSReg.Add(ref, conn)
	observability.CaptainsOnline.Inc()
	if err := s.Captains.UpdateSession(r.Context(), id, ref); err != nil {
		s.logger.Warn("session ref not stored", "captain_id", id, "error", err)
	}
	go s.drainWS(conn, ref, func() {
		observability.CaptainsOnline.Dec()
		if err := s.Captains.UpdateSession(context.Background(), id, ""); err != nil {
			s.logger.Warn("session ref not cleared", "captain_id", id, "error", err)
		}
	})
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ref := dispatch.RiderSession(id)
	s.WSReg.Add(ref, conn)
	go s.drainWS(conn, ref, nil)
}

// drainWS keeps the read pump alive so pings are answered, and tears the
// session down when the peer goes away.
func (s *Server) drainWS(conn *websocket.Conn, ref string, onClose func()) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.WSReg.Remove(ref)
	_ = conn.Close()
	if onClose != nil {
		onClose()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"message": err.Error()})
}

// writeDomainError maps the failure taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var upstream *maps.UpstreamError
	switch {
	case errors.Is(err, ride.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ride.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, ride.ErrConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, maps.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &upstream):
		s.writeError(w, http.StatusBadGateway, err)
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-tracking/internal/backend"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/tracking"
	"github.com/example/ride-tracking/internal/trip"
)

// Server is the local control surface over the tracked rides.
type Server struct {
	Tracker *tracking.Service
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(tracker *tracking.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Tracker: tracker, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleBook).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGet).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleStop).Methods(http.MethodDelete)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/track", s.handleTrack).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/otp", s.handleOTP).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleStream)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// rideView is a snapshot as the tracking screen renders it.
type rideView struct {
	models.Ride
	Distance string          `json:"distance"`
	ETA      string          `json:"eta"`
	OTP      *trip.OTPDialog `json:"otp,omitempty"`
}

func newRideView(r models.Ride, ctrl *trip.Controller) rideView {
	v := rideView{Ride: r, Distance: r.Metrics.DistanceText(), ETA: r.Metrics.ETAText()}
	if ctrl != nil && r.Status == models.StatusAccepted {
		d := ctrl.Dialog()
		v.OTP = &d
	}
	return v
}

func (s *Server) liveView(rideID string) (rideView, error) {
	if rd, err := s.Tracker.Lookup(rideID); err == nil {
		return newRideView(rd.State.Read(), rd.Trip), nil
	}
	snap, err := s.Tracker.Get(rideID)
	if err != nil {
		return rideView{}, err
	}
	return newRideView(snap, nil), nil
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req models.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Pickup == "" || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "pickupLocation and dropOffLocation are required")
		return
	}
	rd, err := s.Tracker.Book(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRideView(rd.State.Read(), rd.Trip))
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Tracker.Track(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRideView(rd.State.Read(), rd.Trip))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.liveView(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Tracker.Stop(mux.Vars(r)["ride_id"]); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type otpBody struct {
	OTP string `json:"otp"`
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Tracker.Lookup(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	var body otpBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rd.Trip.SubmitOTP(r.Context(), body.OTP); err != nil {
		d := rd.Trip.Dialog()
		msg := d.Error
		if msg == "" || errors.Is(err, trip.ErrInvalidState) || errors.Is(err, trip.ErrBusy) {
			msg = err.Error()
		}
		writeJSON(w, statusFor(err), map[string]any{"error": msg, "otp": d})
		return
	}
	writeJSON(w, http.StatusOK, newRideView(rd.State.Read(), rd.Trip))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Tracker.Lookup(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := rd.Trip.Complete(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRideView(rd.State.Read(), nil))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Tracker.Lookup(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := rd.Trip.Cancel(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRideView(rd.State.Read(), nil))
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "error", err)
	}
	msg := err.Error()
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.UserMessage() != "" {
		msg = apiErr.UserMessage()
	}
	writeError(w, code, msg)
}

func statusFor(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, tracking.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, trip.ErrInvalidOTPFormat):
		return http.StatusBadRequest
	case errors.Is(err, trip.ErrInvalidState), errors.Is(err, trip.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, tracking.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

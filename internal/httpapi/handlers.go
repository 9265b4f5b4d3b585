package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrAcceptConflict), apperr.IsInvalidState(err):
		status = http.StatusConflict
	case apperr.IsStore(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type rideRequestBody struct {
	RiderID        string      `json:"rider_id"`
	Pickup         models.Stop `json:"pickup"`
	Dropoff        models.Stop `json:"dropoff"`
	Fare           float64     `json:"fare"`
	ETAMinutes     float64     `json:"eta_minutes"`
	RideType       string      `json:"ride_type"`
	PassengerCount int         `json:"passenger_count"`
	BookingDate    *time.Time  `json:"booking_date,omitempty"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	req, candidates, err := s.createAndDispatch(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request":    req,
		"candidates": candidates,
	})
}

func (s *Server) createAndDispatch(ctx context.Context, body rideRequestBody) (*models.RideRequest, int, error) {
	req, err := s.registry.Create(ctx, rides.CreateParams{
		RiderID:        body.RiderID,
		Pickup:         body.Pickup,
		Dropoff:        body.Dropoff,
		Fare:           body.Fare,
		ETAMinutes:     body.ETAMinutes,
		RideType:       body.RideType,
		PassengerCount: body.PassengerCount,
		BookingDate:    body.BookingDate,
	})
	if err != nil {
		return nil, 0, err
	}
	n, err := s.matcher.Dispatch(ctx, req)
	if err != nil {
		// The request is stored and pending; the expiry worker will widen
		// or expire it. Dispatch failure is not a request failure.
		s.logger.Error("dispatch failed", "request_id", req.ID, "error", err)
	}
	return req, n, nil
}

type rideActionBody struct {
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var body rideActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	req, err := s.acceptRide(r.Context(), body.RequestID, body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) acceptRide(ctx context.Context, requestID, driverID string) (*models.RideRequest, error) {
	req, err := s.registry.TryAccept(ctx, requestID, driverID)
	if err != nil {
		if errors.Is(err, apperr.ErrAcceptConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.AcceptsWon.Inc()
	s.matcher.Forget(req.ID)
	if err := s.presence.SetStatus(ctx, driverID, models.PresenceBusy); err != nil {
		s.logger.Warn("presence update on accept", "driver_id", driverID, "error", err)
	}
	s.hub.SendToEntity(req.RiderID, hub.Event{Type: hub.EventRideAccepted, Payload: req})
	s.hub.SendToEntity(driverID, hub.Event{Type: hub.EventRideAccepted, Payload: req})
	return req, nil
}

func (s *Server) handleConfirmRide(w http.ResponseWriter, r *http.Request) {
	var body rideActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	ride, err := s.confirmRide(r.Context(), body.RequestID, body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) confirmRide(ctx context.Context, requestID, driverID string) (*models.Ride, error) {
	ride, err := s.registry.Confirm(ctx, requestID, driverID)
	if err != nil {
		return nil, err
	}
	if s.payments != nil {
		if id, err := s.payments.HoldFare(ctx, ride, s.cfg.StripeCurrency, ""); err != nil {
			s.logger.Error("fare hold failed", "ride_id", ride.ID, "error", err)
		} else {
			s.payMu.Lock()
			s.payIntents[ride.ID] = id
			s.payMu.Unlock()
		}
	}
	ev := hub.Event{Type: hub.EventTripUpdate, Payload: ride}
	s.hub.SendToEntity(ride.RiderID, ev)
	s.hub.SendToEntity(ride.DriverID, ev)
	return ride, nil
}

func (s *Server) handleDeclineRide(w http.ResponseWriter, r *http.Request) {
	var body rideActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	if err := s.declineRide(r.Context(), body.RequestID, body.DriverID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) declineRide(ctx context.Context, requestID, driverID string) error {
	if err := s.registry.Decline(ctx, requestID, driverID); err != nil {
		return err
	}
	s.matcher.Forget(requestID)
	return nil
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body rideActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	req, err := s.cancelRequest(r.Context(), body.RequestID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) cancelRequest(ctx context.Context, requestID, reason string) (*models.RideRequest, error) {
	req, err := s.registry.Cancel(ctx, requestID, reason)
	if err != nil {
		return nil, err
	}
	s.matcher.Forget(req.ID)
	payload := map[string]any{"request": req, "reason": reason}
	s.hub.SendToEntity(req.RiderID, hub.Event{Type: hub.EventRideCancelled, Payload: payload})
	if req.DriverID != "" {
		s.hub.SendToEntity(req.DriverID, hub.Event{Type: hub.EventRideCancelled, Payload: payload})
	}
	return req, nil
}

type rideStatusBody struct {
	RideID string            `json:"ride_id"`
	Status models.RideStatus `json:"status"`
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var body rideStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	ride, err := s.updateRideStatus(r.Context(), body.RideID, body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) updateRideStatus(ctx context.Context, rideID string, to models.RideStatus) (*models.Ride, error) {
	ride, err := s.registry.UpdateRideStatus(ctx, rideID, to)
	if err != nil {
		return nil, err
	}
	switch ride.Status {
	case models.RideCompleted:
		s.settle(ctx, ride.ID, true)
		if err := s.presence.SetStatus(ctx, ride.DriverID, models.PresenceOnline); err != nil {
			s.logger.Warn("presence update on completion", "driver_id", ride.DriverID, "error", err)
		}
	case models.RideCanceled:
		s.settle(ctx, ride.ID, false)
		if err := s.presence.SetStatus(ctx, ride.DriverID, models.PresenceOnline); err != nil {
			s.logger.Warn("presence update on cancel", "driver_id", ride.DriverID, "error", err)
		}
	}
	ev := hub.Event{Type: hub.EventTripUpdate, Payload: ride}
	s.hub.SendToEntity(ride.RiderID, ev)
	s.hub.SendToEntity(ride.DriverID, ev)
	return ride, nil
}

// settle captures or releases the fare hold for a finished ride.
func (s *Server) settle(ctx context.Context, rideID string, capture bool) {
	if s.payments == nil {
		return
	}
	s.payMu.Lock()
	intentID, ok := s.payIntents[rideID]
	delete(s.payIntents, rideID)
	s.payMu.Unlock()
	if !ok {
		return
	}
	var err error
	if capture {
		err = s.payments.Capture(ctx, intentID)
	} else {
		err = s.payments.Release(ctx, intentID)
	}
	if err != nil {
		s.logger.Error("fare settlement failed", "ride_id", rideID, "capture", capture, "error", err)
	}
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, apperr.Validation("lat/lon", "must be numeric"))
		return
	}
	radius := s.matcher.RadiusMeters
	if v := q.Get("radius"); v != "" {
		radius, err1 = strconv.ParseFloat(v, 64)
		if err1 != nil {
			writeError(w, apperr.Validation("radius", "must be numeric"))
			return
		}
	}
	if radius <= 0 {
		radius = matcher.DefaultRadiusMeters
	}
	cands, err := s.geo.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, models.RoleDriver, q.Get("entity_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

type locationBody struct {
	EntityID string      `json:"entity_id"`
	Lat      float64     `json:"lat"`
	Lon      float64     `json:"lon"`
	Role     models.Role `json:"role"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	if body.Role == "" {
		body.Role = models.RoleDriver
	}
	if err := s.upsertPosition(r.Context(), body.EntityID, body.Lat, body.Lon, body.Role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upsertPosition applies the update locally and, when Kafka is configured,
// publishes it for the consumer feeding the shared index.
func (s *Server) upsertPosition(ctx context.Context, entityID string, lat, lon float64, role models.Role) error {
	now := time.Now()
	if err := s.geo.Upsert(ctx, entityID, lat, lon, role, now); err != nil {
		return err
	}
	observability.PositionUpserts.Inc()
	if s.producer != nil {
		pos := models.Position{EntityID: entityID, Loc: models.Coord{Lat: lat, Lon: lon}, Role: role, UpdatedAt: now}
		if err := s.producer.Publish(ctx, pos); err != nil {
			s.logger.Warn("position publish failed", "entity_id", entityID, "error", err)
		}
	}
	return nil
}

type driverStatusBody struct {
	DriverID string                `json:"driver_id"`
	Status   models.PresenceStatus `json:"status"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body driverStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	if err := s.presence.SetStatus(r.Context(), body.DriverID, body.Status); err != nil {
		writeError(w, err)
		return
	}
	s.hub.SendToEntity(body.DriverID, hub.Event{Type: hub.EventDriverStatus, Payload: body})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, apperr.Validation("body", err.Error()))
		return
	}
	if v.DriverID == "" {
		writeError(w, apperr.Validation("driver_id", "must not be empty"))
		return
	}
	if v.RideType == "" {
		writeError(w, apperr.Validation("ride_type", "must not be empty"))
		return
	}
	if err := s.store.UpsertVehicle(r.Context(), &v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

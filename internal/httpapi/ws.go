package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsOpTimeout bounds store work done on behalf of a single frame so one
// slow operation cannot wedge a connection's read loop.
const wsOpTimeout = 5 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]
	role := models.Role(r.URL.Query().Get("role"))
	if role != models.RoleDriver && role != models.RoleRider {
		http.Error(w, "role must be driver or rider", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "entity_id", entityID, "error", err)
		return
	}
	s.hub.Attach(conn, entityID, role, s.handleInbound)
}

// handleInbound routes one client frame. Every rejected operation yields
// an error event back to the originating connection; nothing no-ops
// silently.
func (s *Server) handleInbound(c *hub.Client, ev hub.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), wsOpTimeout)
	defer cancel()

	fail := func(err error) {
		s.hub.SendError(c, ev.Type, err.Error())
	}
	decode := func(v any) bool {
		if err := json.Unmarshal(ev.Payload, v); err != nil {
			fail(apperr.Validation("payload", err.Error()))
			return false
		}
		return true
	}

	switch ev.Type {
	case hub.InUpdateLocation:
		var p struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		}
		if !decode(&p) {
			return
		}
		if err := s.upsertPosition(ctx, c.EntityID, p.Lat, p.Lon, c.Role); err != nil {
			fail(err)
		}

	case hub.InRequestNearby:
		var p struct {
			Lat    float64 `json:"lat"`
			Lon    float64 `json:"lon"`
			Radius float64 `json:"radius"`
		}
		if !decode(&p) {
			return
		}
		if p.Radius <= 0 {
			p.Radius = s.matcher.RadiusMeters
		}
		cands, err := s.geo.Nearby(ctx, models.Coord{Lat: p.Lat, Lon: p.Lon}, p.Radius, models.RoleDriver, c.EntityID)
		if err != nil {
			fail(err)
			return
		}
		s.hub.SendToEntity(c.EntityID, hub.Event{Type: hub.EventNearbyDrivers, Payload: cands})

	case hub.InNewRideRequest:
		var body rideRequestBody
		if !decode(&body) {
			return
		}
		if body.RiderID == "" {
			body.RiderID = c.EntityID
		}
		req, _, err := s.createAndDispatch(ctx, body)
		if err != nil {
			fail(err)
			return
		}
		s.hub.SendToEntity(c.EntityID, hub.Event{Type: hub.EventRideRequest, Payload: req})

	case hub.InAcceptRide:
		var p struct {
			RequestID string `json:"request_id"`
		}
		if !decode(&p) {
			return
		}
		if _, err := s.acceptRide(ctx, p.RequestID, c.EntityID); err != nil {
			fail(err)
		}

	case hub.InConfirmRide:
		var p struct {
			RequestID string `json:"request_id"`
		}
		if !decode(&p) {
			return
		}
		if _, err := s.confirmRide(ctx, p.RequestID, c.EntityID); err != nil {
			fail(err)
		}

	case hub.InDeclineRide:
		var p struct {
			RequestID string `json:"request_id"`
		}
		if !decode(&p) {
			return
		}
		if err := s.declineRide(ctx, p.RequestID, c.EntityID); err != nil {
			fail(err)
		}

	case hub.InCancelRide:
		var p struct {
			RequestID string `json:"request_id"`
			Reason    string `json:"reason"`
		}
		if !decode(&p) {
			return
		}
		if _, err := s.cancelRequest(ctx, p.RequestID, p.Reason); err != nil {
			fail(err)
		}

	case hub.InUpdateRideStatus:
		var p struct {
			RideID string            `json:"ride_id"`
			Status models.RideStatus `json:"status"`
		}
		if !decode(&p) {
			return
		}
		if _, err := s.updateRideStatus(ctx, p.RideID, p.Status); err != nil {
			fail(err)
		}

	case hub.InUpdateDriverStatus:
		var p struct {
			Status models.PresenceStatus `json:"status"`
		}
		if !decode(&p) {
			return
		}
		if err := s.presence.SetStatus(ctx, c.EntityID, p.Status); err != nil {
			fail(err)
			return
		}
		s.hub.SendToEntity(c.EntityID, hub.Event{Type: hub.EventDriverStatus, Payload: driverStatusBody{DriverID: c.EntityID, Status: p.Status}})

	case hub.InGetDriverStatus:
		var p struct {
			DriverID string `json:"driver_id"`
		}
		if !decode(&p) {
			return
		}
		if p.DriverID == "" {
			p.DriverID = c.EntityID
		}
		status, err := s.presence.GetStatus(ctx, p.DriverID)
		if err != nil {
			// Defaults to offline on fetch failure; still reported.
			s.logger.Warn("presence fetch", "driver_id", p.DriverID, "error", err)
		}
		s.hub.SendToEntity(c.EntityID, hub.Event{Type: hub.EventDriverStatus, Payload: driverStatusBody{DriverID: p.DriverID, Status: status}})

	case hub.InJoinRoom:
		var p struct {
			Room string `json:"room"`
		}
		if !decode(&p) {
			return
		}
		if p.Room == "" {
			fail(apperr.Validation("room", "must not be empty"))
			return
		}
		s.hub.JoinRoom(c, p.Room)

	case hub.InLeaveRoom:
		var p struct {
			Room string `json:"room"`
		}
		if !decode(&p) {
			return
		}
		s.hub.LeaveRoom(c, p.Room)

	case hub.InChatMessage:
		var p struct {
			Room string `json:"room"`
			Text string `json:"text"`
		}
		if !decode(&p) {
			return
		}
		if p.Room == "" || p.Text == "" {
			fail(apperr.Validation("chat", "room and text are required"))
			return
		}
		s.hub.SendToRoom(p.Room, hub.Event{Type: hub.EventChatMessage, Payload: map[string]string{
			"room": p.Room, "from": c.EntityID, "text": p.Text,
		}})

	default:
		fail(apperr.Validation("type", "unknown event "+ev.Type))
	}
}

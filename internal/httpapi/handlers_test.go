package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
)

func newTestServer() *Server {
	logger := slog.Default()
	store := rides.NewMemoryStore()
	registry := rides.NewRegistry(store)
	index := geo.NewMemoryIndex()
	tracker := presence.NewMemoryTracker()
	notifier := hub.New(logger)
	match := &matcher.Service{
		Geo:          index,
		Presence:     tracker,
		Vehicles:     store,
		Notify:       notifier,
		Registry:     registry,
		RadiusMeters: 5000,
		Logger:       logger,
	}
	return NewServer(config.ServerConfig{}, Deps{
		Logger:   logger,
		Geo:      index,
		Presence: tracker,
		Registry: registry,
		Matcher:  match,
		Hub:      notifier,
		Store:    store,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func validRequestBody() map[string]any {
	return map[string]any{
		"rider_id": "r1",
		"pickup":   map[string]any{"loc": map[string]float64{"lat": 37.78, "lon": -122.43}, "address": "a"},
		"dropoff":  map[string]any{"loc": map[string]float64{"lat": 37.79, "lon": -122.41}, "address": "b"},
		"fare":     12.5,
		"ride_type": "standard",
	}
}

func createRequest(t *testing.T, s *Server) models.RideRequest {
	t.Helper()
	rr := doJSON(t, s, "POST", "/api/v1/rides/request", validRequestBody())
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Request models.RideRequest `json:"request"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Request
}

func TestRideRequestValidationFails(t *testing.T) {
	s := newTestServer()
	body := validRequestBody()
	body["fare"] = 0
	rr := doJSON(t, s, "POST", "/api/v1/rides/request", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAcceptConflictMapsTo409(t *testing.T) {
	s := newTestServer()
	req := createRequest(t, s)

	rr := doJSON(t, s, "POST", "/api/v1/rides/accept", map[string]string{"request_id": req.ID, "driver_id": "d1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("first accept: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, s, "POST", "/api/v1/rides/accept", map[string]string{"request_id": req.ID, "driver_id": "d2"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", rr.Code)
	}
}

func TestConfirmByWrongDriverMapsTo403(t *testing.T) {
	s := newTestServer()
	req := createRequest(t, s)
	doJSON(t, s, "POST", "/api/v1/rides/accept", map[string]string{"request_id": req.ID, "driver_id": "d1"})

	rr := doJSON(t, s, "POST", "/api/v1/rides/confirm", map[string]string{"request_id": req.ID, "driver_id": "d2"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = doJSON(t, s, "POST", "/api/v1/rides/confirm", map[string]string{"request_id": req.ID, "driver_id": "d1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRideStatusIllegalEdgeMapsTo409(t *testing.T) {
	s := newTestServer()
	req := createRequest(t, s)
	doJSON(t, s, "POST", "/api/v1/rides/accept", map[string]string{"request_id": req.ID, "driver_id": "d1"})
	rr := doJSON(t, s, "POST", "/api/v1/rides/confirm", map[string]string{"request_id": req.ID, "driver_id": "d1"})
	var ride models.Ride
	if err := json.Unmarshal(rr.Body.Bytes(), &ride); err != nil {
		t.Fatal(err)
	}

	rr = doJSON(t, s, "POST", "/api/v1/rides/status", map[string]any{"ride_id": ride.ID, "status": "completed"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("accepted->completed: expected 409, got %d", rr.Code)
	}

	for _, status := range []string{"in-progress", "completed"} {
		rr = doJSON(t, s, "POST", "/api/v1/rides/status", map[string]any{"ride_id": ride.ID, "status": status})
		if rr.Code != http.StatusOK {
			t.Fatalf("-> %s: expected 200, got %d: %s", status, rr.Code, rr.Body.String())
		}
	}

	rr = doJSON(t, s, "POST", "/api/v1/rides/status", map[string]any{"ride_id": ride.ID, "status": "canceled"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("cancel after completion: expected 409, got %d", rr.Code)
	}
}

func TestCancelUnknownRequestMapsTo404(t *testing.T) {
	s := newTestServer()
	rr := doJSON(t, s, "POST", "/api/v1/rides/cancel", map[string]string{"request_id": "nope"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestNearbyReturnsOrderedDrivers(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	now := time.Now()
	s.geo.Upsert(ctx, "d1", 37.78, -122.43, models.RoleDriver, now)
	s.geo.Upsert(ctx, "d2", 37.80, -122.45, models.RoleDriver, now)
	s.geo.Upsert(ctx, "r1", 37.781, -122.431, models.RoleRider, now)

	rr := doJSON(t, s, "GET", fmt.Sprintf("/api/v1/rides/nearby?lat=%f&lon=%f&entity_id=r1", 37.781, -122.431), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Drivers []models.Candidate `json:"drivers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Drivers) != 2 || resp.Drivers[0].EntityID != "d1" {
		t.Fatalf("expected d1 nearest, got %v", resp.Drivers)
	}
	for _, d := range resp.Drivers {
		if d.EntityID == "r1" {
			t.Fatal("rider must not appear in its own query")
		}
	}
}

func TestDriverLocationEndpoint(t *testing.T) {
	s := newTestServer()
	rr := doJSON(t, s, "POST", "/internal/driver/locations", map[string]any{"entity_id": "d1", "lat": 37.78, "lon": -122.43})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, s, "POST", "/internal/driver/locations", map[string]any{"entity_id": "d1", "lat": 97.0, "lon": 0.0})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid coordinate: expected 400, got %d", rr.Code)
	}
}

func TestVehicleRegistration(t *testing.T) {
	s := newTestServer()
	rr := doJSON(t, s, "PUT", "/internal/driver/vehicle", map[string]any{"driver_id": "d1", "plate": "ABC", "ride_type": "standard", "active": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, s, "PUT", "/internal/driver/vehicle", map[string]any{"driver_id": "", "ride_type": "standard"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

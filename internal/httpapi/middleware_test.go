package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// The websocket upgrader hijacks the connection through the middleware's
// response wrapper.
var _ http.Hijacker = (*responseWriter)(nil)

func TestRequestIDEchoedOnResponse(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected client request id echoed, got %q", got)
	}

	req = httptest.NewRequest("GET", "/healthz", nil)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id on the response")
	}
}

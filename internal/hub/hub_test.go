package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// testClient builds a client without a websocket connection; delivery is
// observed on the send channel directly.
func testClient(h *Hub, entityID string, role models.Role) *Client {
	return &Client{
		hub:      h,
		send:     make(chan []byte, sendBuffer),
		EntityID: entityID,
		Role:     role,
		rooms:    make(map[string]bool),
	}
}

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return ev
	default:
		t.Fatal("expected a delivered event")
		return Event{}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected delivery: %s", data)
	default:
	}
}

func TestSendToEntityScoping(t *testing.T) {
	h := New(slog.Default())
	rider := testClient(h, "r1", models.RoleRider)
	driver := testClient(h, "d1", models.RoleDriver)
	h.addClient(rider)
	h.addClient(driver)

	h.SendToEntity("r1", Event{Type: EventTripUpdate})

	if ev := recv(t, rider); ev.Type != EventTripUpdate {
		t.Fatalf("expected tripUpdate, got %s", ev.Type)
	}
	expectNone(t, driver)
}

func TestSendToEntityReachesAllConnectionsOfEntity(t *testing.T) {
	h := New(slog.Default())
	a := testClient(h, "r1", models.RoleRider)
	b := testClient(h, "r1", models.RoleRider)
	h.addClient(a)
	h.addClient(b)

	h.SendToEntity("r1", Event{Type: EventRideAccepted})
	recv(t, a)
	recv(t, b)
}

func TestRoomScopedDelivery(t *testing.T) {
	h := New(slog.Default())
	member := testClient(h, "r1", models.RoleRider)
	outsider := testClient(h, "r2", models.RoleRider)
	h.addClient(member)
	h.addClient(outsider)

	h.JoinRoom(member, "chat:42")
	h.SendToRoom("chat:42", Event{Type: EventChatMessage})

	recv(t, member)
	expectNone(t, outsider)

	h.LeaveRoom(member, "chat:42")
	h.SendToRoom("chat:42", Event{Type: EventChatMessage})
	expectNone(t, member)
}

func TestRoleScopedDelivery(t *testing.T) {
	h := New(slog.Default())
	driver := testClient(h, "d1", models.RoleDriver)
	rider := testClient(h, "r1", models.RoleRider)
	h.addClient(driver)
	h.addClient(rider)

	h.SendToRole(models.RoleDriver, Event{Type: EventDriverStatus})
	recv(t, driver)
	expectNone(t, rider)
}

func TestDisconnectReleasesMemberships(t *testing.T) {
	h := New(slog.Default())
	c := testClient(h, "r1", models.RoleRider)
	h.addClient(c)
	h.JoinRoom(c, "chat:42")

	h.removeClient(c)

	if len(h.rooms["chat:42"]) != 0 {
		t.Fatal("room membership not released on disconnect")
	}
	if h.byEntity["r1"] != nil {
		t.Fatal("entity registration not released on disconnect")
	}
	// Sends to the departed entity are dropped, not delivered.
	h.SendToEntity("r1", Event{Type: EventTripUpdate})
}

func TestSendErrorAfterDropDoesNotPanic(t *testing.T) {
	h := New(slog.Default())
	c := testClient(h, "r1", models.RoleRider)
	h.addClient(c)

	// Fill the buffer so the next push marks the client as not keeping up.
	for i := 0; i < sendBuffer; i++ {
		c.send <- []byte("{}")
	}
	h.removeClient(c)

	// The read pump can still route a rejected frame here after the drop;
	// it must be discarded, not sent on the closed channel.
	h.SendError(c, InAcceptRide, "ride no longer available")
}

func TestRunStopsWhenContextDone(t *testing.T) {
	h := New(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSendErrorCarriesInboundContext(t *testing.T) {
	h := New(slog.Default())
	c := testClient(h, "r1", models.RoleRider)
	h.addClient(c)

	h.SendError(c, InAcceptRide, "ride no longer available")

	ev := recv(t, c)
	if ev.Type != EventError {
		t.Fatalf("expected error event, got %s", ev.Type)
	}
	payload, _ := ev.Payload.(map[string]any)
	if payload["event"] != InAcceptRide || payload["reason"] != "ride no longer available" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

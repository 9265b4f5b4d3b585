// Package hub fans out ride-lifecycle, location and chat events to
// websocket subscribers. Delivery is always addressed: to one entity's
// connections, to one room's members, or to one role's connections. There
// is no broadcast-then-filter path; clients never see events that are not
// theirs.
//
// Delivery is at most once. A client whose send buffer is full or whose
// connection is gone is dropped; there is no redelivery.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Event is the wire frame for every hub message.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Outbound event types.
const (
	EventNearbyDrivers = "nearbyDrivers"
	EventRideRequest   = "rideRequest"
	EventRideAccepted  = "rideAccepted"
	EventTripUpdate    = "tripUpdate"
	EventRideCancelled = "rideCancelled"
	EventRideExpired   = "rideExpired"
	EventDriverStatus  = "driverStatus"
	EventChatMessage   = "chatMessage"
	EventError         = "error"
)

// ErrorPayload is sent back on every rejected inbound operation; no
// inbound failure is silently dropped.
type ErrorPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	byEntity map[string]map[*Client]bool
	rooms    map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byEntity:   make(map[string]map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run processes connection lifecycle events until ctx is done; callers
// run it in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	if h.byEntity[c.EntityID] == nil {
		h.byEntity[c.EntityID] = make(map[*Client]bool)
	}
	h.byEntity[c.EntityID][c] = true
	// Connections start with no chat-room membership; role scoping is the
	// only implicit subscription.
	h.joinLocked(c, roleRoom(c.Role))
	h.logger.Info("client connected", "entity_id", c.EntityID, "role", c.Role)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if set := h.byEntity[c.EntityID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byEntity, c.EntityID)
		}
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	h.logger.Info("client disconnected", "entity_id", c.EntityID)
}

func roleRoom(r models.Role) string { return "role:" + string(r) }

func (h *Hub) joinLocked(c *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if set := h.rooms[room]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// JoinRoom adds the connection to a chat room.
func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	h.joinLocked(c, room)
	h.mu.Unlock()
}

// LeaveRoom removes the connection from a chat room.
func (h *Hub) LeaveRoom(c *Client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

// SendToEntity delivers to every active connection of one entity.
func (h *Hub) SendToEntity(entityID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byEntity[entityID] {
		h.push(c, data)
	}
}

// SendToRoom delivers to every member of one room.
func (h *Hub) SendToRoom(room string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		h.push(c, data)
	}
}

// SendToRole delivers to every connection of one role.
func (h *Hub) SendToRole(role models.Role, ev Event) {
	h.SendToRoom(roleRoom(role), ev)
}

// Notify satisfies the matcher's notifier with per-entity addressing.
func (h *Hub) Notify(entityID string, eventType string, payload any) {
	h.SendToEntity(entityID, Event{Type: eventType, Payload: payload})
}

// SendError reports a rejected inbound operation back to the originating
// connection. A client already dropped by the hub has a closed send
// channel; its read pump can still produce frames until it observes the
// close, so delivery only happens while the client is registered.
func (h *Hub) SendError(c *Client, inboundType, reason string) {
	data, err := json.Marshal(Event{Type: EventError, Payload: ErrorPayload{Event: inboundType, Reason: reason}})
	if err != nil {
		return
	}
	h.mu.RLock()
	if h.clients[c] {
		h.push(c, data)
	}
	h.mu.RUnlock()
}

// push hands a frame to the client's writer without blocking; a full
// buffer means the client is not keeping up and gets disconnected.
func (h *Hub) push(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		go func() { h.unregister <- c }()
	}
}

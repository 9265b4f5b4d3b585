package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Inbound event types accepted from clients.
const (
	InUpdateLocation      = "updateLocation"
	InRequestNearby       = "requestNearbyDrivers"
	InNewRideRequest      = "newRideRequest"
	InAcceptRide          = "acceptRide"
	InConfirmRide         = "confirmRide"
	InDeclineRide         = "declineRide"
	InCancelRide          = "cancelRide"
	InUpdateDriverStatus  = "updateDriverStatus"
	InGetDriverStatus     = "getDriverStatus"
	InUpdateRideStatus    = "updateRideStatus"
	InJoinRoom            = "joinRoom"
	InLeaveRoom           = "leaveRoom"
	InChatMessage         = "chatMessage"
)

// InboundEvent is a raw client frame; the payload is decoded by the
// gateway once the type is known.
type InboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// InboundHandler reacts to a decoded client frame.
type InboundHandler func(c *Client, ev InboundEvent)

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	EntityID string
	Role     models.Role

	rooms map[string]bool
}

// Attach registers a fresh connection with the hub and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, entityID string, role models.Role, handle InboundHandler) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		EntityID: entityID,
		Role:     role,
		rooms:    make(map[string]bool),
	}
	h.register <- c
	go c.writePump()
	go c.readPump(handle)
	return c
}

func (c *Client) readPump(handle InboundHandler) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read", "entity_id", c.EntityID, "error", err)
			}
			return
		}
		var ev InboundEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			c.hub.SendError(c, "", "malformed frame")
			continue
		}
		if handle != nil {
			handle(c, ev)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

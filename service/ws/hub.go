package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventQueueUpdated        = "queue-updated"
	EventQueuePosition       = "queue-position"
	EventPatientCheckedIn    = "patient-checked-in"
	EventConsultationStarted = "consultation-started"
	EventConsultationEnded   = "consultation-ended"
	EventAppointmentUpdated  = "appointment-updated"
	EventRemedyIssued        = "remedy-issued"
	EventNotification        = "notification"
)

// Event is the envelope every socket message travels in.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	At   time.Time   `json:"at"`
}

func NewEvent(eventType string, data interface{}) []byte {
	msg, err := json.Marshal(Event{Type: eventType, Data: data, At: time.Now()})
	if err != nil {
		log.Printf("error marshaling %s event: %v", eventType, err)
		return nil
	}
	return msg
}

type ClientConnection struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID uint
	Role   string
}

// Hub fans events out to connected clients. Rooms are plain strings,
// "user:<id>" and "guruji:<id>", so queue boards and personal feeds
// share one delivery path.
type Hub struct {
	Clients         map[*ClientConnection]bool
	UserConnections map[uint][]*ClientConnection
	Rooms           map[string][]*ClientConnection
	Register        chan *ClientConnection
	Unregister      chan *ClientConnection
	mu              sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		Clients:         make(map[*ClientConnection]bool),
		UserConnections: make(map[uint][]*ClientConnection),
		Rooms:           make(map[string][]*ClientConnection),
		Register:        make(chan *ClientConnection),
		Unregister:      make(chan *ClientConnection),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.Clients[client] = true
			h.UserConnections[client.UserID] = append(h.UserConnections[client.UserID], client)
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.Clients[client]; ok {
				delete(h.Clients, client)
				close(client.Send)

				// Remove from user connections
				connections := h.UserConnections[client.UserID]
				for i, conn := range connections {
					if conn == client {
						h.UserConnections[client.UserID] = append(connections[:i], connections[i+1:]...)
						break
					}
				}

				// Remove from room subscriptions
				for room, subscribers := range h.Rooms {
					for i, subscriber := range subscribers {
						if subscriber == client {
							h.Rooms[room] = append(subscribers[:i], subscribers[i+1:]...)
							break
						}
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// JoinRoom adds a client to a room's subscription list
func (h *Hub) JoinRoom(room string, client *ClientConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subscriber := range h.Rooms[room] {
		if subscriber == client {
			return
		}
	}
	h.Rooms[room] = append(h.Rooms[room], client)
}

// LeaveRoom removes a client from a room's subscription list
func (h *Hub) LeaveRoom(room string, client *ClientConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers := h.Rooms[room]
	for i, subscriber := range subscribers {
		if subscriber == client {
			h.Rooms[room] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
}

// BroadcastToRoom delivers a message to every subscriber of a room.
// The sends stay under the read lock: Unregister closes Send while
// holding the write lock, so a send outside the lock can hit a closed
// channel. The default arm keeps a slow client from stalling the hub;
// the stale connection gets reaped by the ping cycle.
func (h *Hub) BroadcastToRoom(room string, message []byte) {
	if message == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.Rooms[room] {
		select {
		case client.Send <- message:
		default:
		}
	}
}

// BroadcastToUser delivers a message to every connection a user has
// open. Holds the read lock across the sends for the same reason as
// BroadcastToRoom.
func (h *Hub) BroadcastToUser(userID uint, message []byte) {
	if message == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.UserConnections[userID] {
		select {
		case client.Send <- message:
		default:
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *ClientConnection) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

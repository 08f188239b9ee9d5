package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"gorm.io/gorm"
)

type WSHandler struct {
	db  *gorm.DB
	hub *Hub
}

// NewWSHandler wires the socket endpoint to a hub the rest of the
// services broadcast through.
func NewWSHandler(db *gorm.DB, hub *Hub) *WSHandler {
	return &WSHandler{
		db:  db,
		hub: hub,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // You might want to implement proper origin checking
	},
}

func (h *WSHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.HandleWebSocket)
}

// clientAction is what connected clients may send upstream. The data
// plane is one-way; clients only manage room subscriptions.
type clientAction struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// HandleWebSocket upgrades the connection after validating the token.
// Browsers cannot set headers on the WebSocket handshake, so the token
// is also accepted as a query parameter.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = strings.Replace(r.Header.Get("Authorization"), "Bearer ", "", 1)
	}
	if tokenString == "" {
		utils.WriteError(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	claims := &utils.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(os.Getenv("SECRET_KEY")), nil
	})
	if err != nil || !token.Valid {
		utils.WriteError(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	parsedID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid user ID in token", http.StatusUnauthorized)
		return
	}
	userID := uint(parsedID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v\n", err)
		return
	}

	log.Printf("WebSocket connection established for user %d\n", userID)

	client := &ClientConnection{
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
		Role:   claims.Role,
	}

	h.hub.Register <- client

	// Everyone listens on their own room; gurujis also get their
	// queue room so the board updates without a subscribe round trip.
	h.hub.JoinRoom(fmt.Sprintf("user:%d", userID), client)
	if claims.Role == models.RoleGuruji {
		var profile models.GurujiProfile
		if err := h.db.Where("user_id = ?", userID).First(&profile).Error; err == nil {
			h.hub.JoinRoom(fmt.Sprintf("guruji:%d", profile.ID), client)
		}
	}

	go client.WritePump()
	go h.handleClientMessages(client)
}

func (h *WSHandler) handleClientMessages(client *ClientConnection) {
	defer func() {
		h.hub.Unregister <- client
		client.Conn.Close()
	}()

	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		var action clientAction
		if err := json.Unmarshal(message, &action); err != nil {
			log.Printf("error unmarshaling message: %v", err)
			continue
		}

		switch action.Action {
		case "subscribe":
			if !h.canJoin(client, action.Room) {
				continue
			}
			h.hub.JoinRoom(action.Room, client)
		case "unsubscribe":
			h.hub.LeaveRoom(action.Room, client)
		}
	}
}

// canJoin decides whether a client may watch a room. Queue boards are
// open to any signed-in visitor; personal rooms stay personal.
func (h *WSHandler) canJoin(client *ClientConnection, room string) bool {
	if room == "" {
		return false
	}
	if strings.HasPrefix(room, "guruji:") {
		return true
	}
	if room == fmt.Sprintf("user:%d", client.UserID) {
		return true
	}
	return client.Role == models.RoleAdmin || client.Role == models.RoleCoordinator
}

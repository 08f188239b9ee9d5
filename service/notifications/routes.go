package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/gorm"
)

// Notifier is the one door every service goes through to reach a user:
// it writes the feed row, pushes to registered devices and emits the
// socket event. Push and socket legs are best effort.
type Notifier struct {
	db         *gorm.DB
	hub        *ws.Hub
	expoClient *expo.PushClient
}

func NewNotifier(db *gorm.DB, hub *ws.Hub) *Notifier {
	return &Notifier{
		db:         db,
		hub:        hub,
		expoClient: expo.NewPushClient(nil),
	}
}

// Notify records and delivers one notification. Errors never reach the
// caller; a missed push must not roll back a check-in.
func (n *Notifier) Notify(userID uint, notifType, title, body string, data map[string]interface{}) {
	dataJSON, _ := json.Marshal(data)

	notification := models.Notification{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   string(dataJSON),
		Status: "sent",
		SentAt: time.Now(),
	}
	if err := n.db.Create(&notification).Error; err != nil {
		log.Printf("Error creating notification for user %d: %v", userID, err)
	}

	if n.hub != nil {
		n.hub.BroadcastToUser(userID, ws.NewEvent(ws.EventNotification, notification))
	}

	go func() {
		var devices []models.Device
		if err := n.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil || len(devices) == 0 {
			return
		}
		var tokens []string
		for _, device := range devices {
			tokens = append(tokens, device.Token)
		}
		if _, err := n.sendExpoNotificationSDK(tokens, title, body, data); err != nil {
			log.Printf("Error pushing notification to user %d: %v", userID, err)
		}
	}()
}

// NotificationHandler handles notification operations
type NotificationHandler struct {
	db       *gorm.DB
	notifier *Notifier
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(db *gorm.DB, notifier *Notifier) *NotificationHandler {
	return &NotificationHandler{
		db:       db,
		notifier: notifier,
	}
}

// RegisterRoutes registers all notification routes
func (h *NotificationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/devices", utils.AuthMiddleware(h.RegisterDevice)).Methods("POST")
	router.HandleFunc("/devices/{id}", utils.AuthMiddleware(h.DeleteDevice)).Methods("DELETE")
	router.HandleFunc("/users/{userId}/devices", utils.AuthMiddleware(utils.RequireRoles(h.GetUserDevices, models.RoleAdmin))).Methods("GET")
	router.HandleFunc("/users/{userId}/notifications", utils.AuthMiddleware(h.GetUserNotifications)).Methods("GET")
	router.HandleFunc("/users/{userId}/notifications", utils.AuthMiddleware(utils.RequireRoles(h.SendUserNotification, models.RoleAdmin, models.RoleCoordinator))).Methods("POST")
	router.HandleFunc("/notifications/{id}/read", utils.AuthMiddleware(h.MarkNotificationRead)).Methods("PUT")
	router.HandleFunc("/notifications/broadcast", utils.AuthMiddleware(utils.RequireRoles(h.BroadcastNotification, models.RoleAdmin))).Methods("POST")
}

// RegisterDevice registers the caller's device for push notifications
func (h *NotificationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	device.UserID = userID

	if device.Token == "" {
		utils.WriteError(w, "Token is required", http.StatusBadRequest)
		return
	}

	// Validate the Expo push token format
	if _, err := expo.NewExponentPushToken(device.Token); err != nil {
		utils.WriteError(w, "Invalid Expo push token format", http.StatusBadRequest)
		return
	}

	// Check if this device already exists
	var existingDevice models.Device
	result := h.db.Where("token = ? AND user_id = ?", device.Token, device.UserID).First(&existingDevice)

	if result.Error == nil {
		// Device already exists, update it
		existingDevice.UpdatedAt = time.Now()
		existingDevice.DeviceType = device.DeviceType
		existingDevice.DeviceName = device.DeviceName
		if err := h.db.Save(&existingDevice).Error; err != nil {
			utils.WriteError(w, "Error updating device", http.StatusInternalServerError)
			return
		}
		device = existingDevice
	} else {
		// Device doesn't exist, create it
		if err := h.db.Create(&device).Error; err != nil {
			utils.WriteError(w, "Error creating device", http.StatusInternalServerError)
			return
		}
	}

	// Send response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Device registered successfully",
		"device":  device,
	})
}

// GetUserDevices gets all devices for a specific user
func (h *NotificationHandler) GetUserDevices(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["userId"], 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	// Query devices for this user
	var devices []models.Device
	if err := h.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		utils.WriteError(w, "Error retrieving devices", http.StatusInternalServerError)
		return
	}

	// Send response
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

// SendUserNotification sends a notification to all devices of a user
func (h *NotificationHandler) SendUserNotification(w http.ResponseWriter, r *http.Request) {
	// Get user ID from URL path
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["userId"], 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	// Parse notification details
	var notificationData struct {
		Title string                 `json:"title"`
		Body  string                 `json:"body"`
		Data  map[string]interface{} `json:"data,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&notificationData); err != nil {
		utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if notificationData.Title == "" || notificationData.Body == "" {
		utils.WriteError(w, "Title and body are required", http.StatusBadRequest)
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		utils.WriteError(w, "User not found", http.StatusNotFound)
		return
	}

	h.notifier.Notify(uint(userID), models.NotificationSystem, notificationData.Title, notificationData.Body, notificationData.Data)

	// Send response
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Notification sent",
	})
}

// BroadcastNotification sends a notification to multiple users or all users
func (h *NotificationHandler) BroadcastNotification(w http.ResponseWriter, r *http.Request) {
	var req models.BroadcastRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Title == "" || req.Body == "" {
		utils.WriteError(w, "Title and body are required", http.StatusBadRequest)
		return
	}

	var devices []models.Device
	query := h.db

	// If specific user IDs are provided, filter by them
	if len(req.UserIDs) > 0 {
		query = query.Where("user_id IN ?", req.UserIDs)
	}

	// Get all devices (or filtered by user IDs)
	if err := query.Find(&devices).Error; err != nil {
		utils.WriteError(w, "Error retrieving devices", http.StatusInternalServerError)
		return
	}

	if len(devices) == 0 {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"message": "No devices found for notification",
		})
		return
	}

	// One notification per user, however many devices they carry
	userMap := make(map[uint]bool)
	for _, device := range devices {
		userMap[device.UserID] = true
	}

	for userID := range userMap {
		h.notifier.Notify(userID, models.NotificationSystem, req.Title, req.Body, req.Data)
	}

	// Send response
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Broadcast sent to %d users", len(userMap)),
	})
}

// GetUserNotifications returns a user's feed, own feed unless staff
func (h *NotificationHandler) GetUserNotifications(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["userId"], 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	role, _ := utils.GetRoleFromContext(r)
	if callerID != uint(userID) && role != models.RoleAdmin && role != models.RoleCoordinator {
		utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	// Set default pagination values
	limit := 20
	page := 1

	// Parse query parameters
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsedLimit, err := strconv.Atoi(limitParam); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	if pageParam := r.URL.Query().Get("page"); pageParam != "" {
		if parsedPage, err := strconv.Atoi(pageParam); err == nil && parsedPage > 0 {
			page = parsedPage
		}
	}

	// Calculate offset
	offset := (page - 1) * limit

	var notifications []models.Notification
	var count int64

	// Get total count
	if err := h.db.Model(&models.Notification{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		utils.WriteError(w, "Error counting notifications", http.StatusInternalServerError)
		return
	}

	// Get paginated results
	if err := h.db.Where("user_id = ?", userID).
		Order("sent_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&notifications).Error; err != nil {
		utils.WriteError(w, "Error retrieving notifications", http.StatusInternalServerError)
		return
	}

	// Send response
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total":         count,
		"page":          page,
		"limit":         limit,
		"notifications": notifications,
	})
}

// MarkNotificationRead stamps a feed row as read by its owner
func (h *NotificationHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	notificationID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid notification ID", http.StatusBadRequest)
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var notification models.Notification
	if err := h.db.First(&notification, notificationID).Error; err != nil {
		utils.WriteError(w, "Notification not found", http.StatusNotFound)
		return
	}

	if notification.UserID != callerID {
		utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	now := time.Now()
	notification.ReadAt = &now
	if err := h.db.Save(&notification).Error; err != nil {
		utils.WriteError(w, "Error updating notification", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notification)
}

// DeleteDevice deletes a device token
func (h *NotificationHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, "Invalid device ID", http.StatusBadRequest)
		return
	}

	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var device models.Device
	if err := h.db.First(&device, deviceID).Error; err != nil {
		utils.WriteError(w, "Device not found", http.StatusNotFound)
		return
	}

	role, _ := utils.GetRoleFromContext(r)
	if device.UserID != callerID && role != models.RoleAdmin {
		utils.WriteError(w, "Insufficient permissions", http.StatusForbidden)
		return
	}

	if err := h.db.Delete(&device).Error; err != nil {
		utils.WriteError(w, "Error deleting device", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Device deleted successfully",
	})
}

// sendExpoNotificationSDK sends push notifications using the Expo SDK
func (n *Notifier) sendExpoNotificationSDK(tokenStrings []string, title, body string, data map[string]interface{}) (bool, error) {
	var validTokens []expo.ExponentPushToken
	var invalidTokens []string

	// Validate and convert tokens
	for _, tokenString := range tokenStrings {
		pushToken, err := expo.NewExponentPushToken(tokenString)
		if err != nil {
			log.Printf("Invalid push token format %s: %v", tokenString, err)
			invalidTokens = append(invalidTokens, tokenString)
			continue
		}
		validTokens = append(validTokens, pushToken)
	}

	if len(validTokens) == 0 {
		return false, fmt.Errorf("no valid push tokens found")
	}

	// Convert data to map[string]string
	var stringData map[string]string
	if data != nil {
		stringData = make(map[string]string)
		for key, value := range data {
			stringData[key] = fmt.Sprintf("%v", value)
		}
	}

	// Create and send the push message
	pushMessage := &expo.PushMessage{
		To:       validTokens,
		Body:     body,
		Title:    title,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     stringData,
	}

	response, err := n.expoClient.Publish(pushMessage)
	if err != nil {
		return false, fmt.Errorf("failed to publish notification: %v", err)
	}

	// Check response for errors
	if validationErr := response.ValidateResponse(); validationErr != nil {
		log.Printf("Push notification validation error: %v", validationErr)

		// Clean up invalid tokens from database
		n.cleanupInvalidTokens(invalidTokens)

		return false, fmt.Errorf("notification validation failed: %v", validationErr)
	}

	// Clean up any invalid tokens we found
	if len(invalidTokens) > 0 {
		n.cleanupInvalidTokens(invalidTokens)
	}

	return true, nil
}

// Helper function to remove invalid tokens from database
func (n *Notifier) cleanupInvalidTokens(tokens []string) {
	for _, token := range tokens {
		if err := n.db.Where("token = ?", token).Delete(&models.Device{}).Error; err != nil {
			log.Printf("Error cleaning up invalid token %s: %v", token, err)
		} else {
			log.Printf("Cleaned up invalid token: %s", token)
		}
	}
}

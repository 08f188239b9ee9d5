package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/shantivan/ashram-server/cmd/models"
	"github.com/shantivan/ashram-server/cmd/utils"
	"github.com/shantivan/ashram-server/service/ws"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var notificationTestSchema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		full_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		phone TEXT NOT NULL DEFAULT '',
		phone_verified BOOLEAN DEFAULT 0,
		email_verified BOOLEAN DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		refresh_token TEXT,
		refresh_token_expired_at DATETIME,
		profile_picture_path TEXT,
		email_verification_code TEXT,
		verification_expiry DATETIME
	)`,
	`CREATE TABLE notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		user_id INTEGER,
		type TEXT NOT NULL,
		title TEXT,
		body TEXT,
		data TEXT,
		status TEXT,
		sent_at DATETIME,
		read_at DATETIME
	)`,
	`CREATE TABLE devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		token TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		device_type TEXT,
		device_name TEXT,
		UNIQUE (token, user_id)
	)`,
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	for _, schema := range notificationTestSchema {
		if err := db.Exec(schema).Error; err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}
	return db
}

func makeToken(t *testing.T, userID uint, role string) string {
	t.Helper()
	claims := &utils.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

func newNotificationRouter(db *gorm.DB) *mux.Router {
	hub := ws.NewHub()
	handler := NewNotificationHandler(db, NewNotifier(db, hub))
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func seedUser(t *testing.T, db *gorm.DB, name, email, role string) models.User {
	t.Helper()
	user := models.User{
		FullName:     name,
		Email:        email,
		PasswordHash: "not-a-real-hash",
		Role:         role,
		Phone:        "9000000000",
		Status:       "active",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user %s: %v", email, err)
	}
	return user
}

func seedNotification(t *testing.T, db *gorm.DB, userID uint, title string, sentAt time.Time) models.Notification {
	t.Helper()
	notification := models.Notification{
		UserID: userID,
		Type:   models.NotificationSystem,
		Title:  title,
		Body:   "body",
		Status: "sent",
		SentAt: sentAt,
	}
	if err := db.Create(&notification).Error; err != nil {
		t.Fatalf("failed to seed notification: %v", err)
	}
	return notification
}

func TestNotifyWritesFeedRow(t *testing.T) {
	db := setupTestDB(t)
	user := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	notifier := NewNotifier(db, ws.NewHub())

	notifier.Notify(user.ID, models.NotificationQueue, "Your turn is near", "2 visitors ahead of you",
		map[string]interface{}{"position": 3})

	var stored models.Notification
	if err := db.Where("user_id = ?", user.ID).First(&stored).Error; err != nil {
		t.Fatalf("expected a feed row: %v", err)
	}
	assert.Equal(t, models.NotificationQueue, stored.Type)
	assert.Equal(t, "Your turn is near", stored.Title)
	assert.Equal(t, "sent", stored.Status)
	assert.Contains(t, stored.Data, `"position":3`)
	assert.False(t, stored.SentAt.IsZero())
	assert.Nil(t, stored.ReadAt)
}

func TestRegisterDeviceUpsertsByToken(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	user := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	router := newNotificationRouter(db)
	token := makeToken(t, user.ID, models.RoleUser)

	rec := doJSON(t, router, "POST", "/devices", token, map[string]string{
		"token": "", "deviceType": "ios",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Token is required", errorMessage(t, rec))

	rec = doJSON(t, router, "POST", "/devices", token, map[string]string{
		"token": "fcm-registration-id", "deviceType": "android",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid Expo push token format", errorMessage(t, rec))

	rec = doJSON(t, router, "POST", "/devices", token, map[string]string{
		"token": "ExponentPushToken[unit-test-1]", "deviceType": "ios", "deviceName": "Old phone",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	var first struct {
		Device models.Device `json:"device"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("failed to decode device: %v", err)
	}
	assert.NotZero(t, first.Device.ID)
	assert.Equal(t, user.ID, first.Device.UserID)

	// Same token again updates in place instead of duplicating
	rec = doJSON(t, router, "POST", "/devices", token, map[string]string{
		"token": "ExponentPushToken[unit-test-1]", "deviceType": "ios", "deviceName": "New phone",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var count int64
	db.Model(&models.Device{}).Where("user_id = ?", user.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	var stored models.Device
	if err := db.First(&stored, first.Device.ID).Error; err != nil {
		t.Fatalf("failed to reload device: %v", err)
	}
	assert.Equal(t, "New phone", stored.DeviceName)
}

func TestDeleteDeviceOwnership(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	owner := seedUser(t, db, "Owner", "owner@ashram.test", models.RoleUser)
	stranger := seedUser(t, db, "Stranger", "stranger@ashram.test", models.RoleUser)
	device := models.Device{Token: "ExponentPushToken[unit-test-2]", UserID: owner.ID, DeviceType: "ios"}
	if err := db.Create(&device).Error; err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
	router := newNotificationRouter(db)
	path := fmt.Sprintf("/devices/%d", device.ID)

	rec := doJSON(t, router, "DELETE", path, makeToken(t, stranger.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, "DELETE", path, makeToken(t, owner.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "DELETE", path, makeToken(t, owner.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserDevicesAdminOnly(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	admin := seedUser(t, db, "Admin", "admin@ashram.test", models.RoleAdmin)
	owner := seedUser(t, db, "Owner", "owner@ashram.test", models.RoleUser)
	if err := db.Create(&models.Device{Token: "ExponentPushToken[unit-test-3]", UserID: owner.ID}).Error; err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
	router := newNotificationRouter(db)
	path := fmt.Sprintf("/users/%d/devices", owner.ID)

	rec := doJSON(t, router, "GET", path, makeToken(t, owner.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, "GET", path, makeToken(t, admin.ID, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var devices []models.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("failed to decode devices: %v", err)
	}
	assert.Len(t, devices, 1)
}

func TestSendUserNotification(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	coordinator := seedUser(t, db, "Coordinator", "coord@ashram.test", models.RoleCoordinator)
	visitor := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	router := newNotificationRouter(db)
	staffToken := makeToken(t, coordinator.ID, models.RoleCoordinator)
	path := fmt.Sprintf("/users/%d/notifications", visitor.ID)

	rec := doJSON(t, router, "POST", path, makeToken(t, visitor.ID, models.RoleUser),
		map[string]string{"title": "Hall change", "body": "Darshan moved to Hall B"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, "POST", path, staffToken, map[string]string{"title": "Hall change"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Title and body are required", errorMessage(t, rec))

	rec = doJSON(t, router, "POST", "/users/9999/notifications", staffToken,
		map[string]string{"title": "Hall change", "body": "Darshan moved to Hall B"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "POST", path, staffToken,
		map[string]string{"title": "Hall change", "body": "Darshan moved to Hall B"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var stored models.Notification
	if err := db.Where("user_id = ?", visitor.ID).First(&stored).Error; err != nil {
		t.Fatalf("expected a feed row: %v", err)
	}
	assert.Equal(t, models.NotificationSystem, stored.Type)
	assert.Equal(t, "Hall change", stored.Title)
}

func TestUserNotificationFeed(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	owner := seedUser(t, db, "Owner", "owner@ashram.test", models.RoleUser)
	stranger := seedUser(t, db, "Stranger", "stranger@ashram.test", models.RoleUser)
	coordinator := seedUser(t, db, "Coordinator", "coord@ashram.test", models.RoleCoordinator)
	now := time.Now()
	seedNotification(t, db, owner.ID, "Oldest", now.Add(-2*time.Hour))
	seedNotification(t, db, owner.ID, "Middle", now.Add(-time.Hour))
	seedNotification(t, db, owner.ID, "Newest", now)
	seedNotification(t, db, stranger.ID, "Not yours", now)
	router := newNotificationRouter(db)
	path := fmt.Sprintf("/users/%d/notifications", owner.ID)

	rec := doJSON(t, router, "GET", path, makeToken(t, stranger.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, "GET", path, makeToken(t, coordinator.ID, models.RoleCoordinator), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", path+"?limit=2", makeToken(t, owner.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var feed struct {
		Total         int64                 `json:"total"`
		Notifications []models.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
		t.Fatalf("failed to decode feed: %v", err)
	}
	assert.Equal(t, int64(3), feed.Total)
	if len(feed.Notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(feed.Notifications))
	}
	assert.Equal(t, "Newest", feed.Notifications[0].Title)
	assert.Equal(t, "Middle", feed.Notifications[1].Title)
}

func TestMarkNotificationRead(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	owner := seedUser(t, db, "Owner", "owner@ashram.test", models.RoleUser)
	stranger := seedUser(t, db, "Stranger", "stranger@ashram.test", models.RoleUser)
	notification := seedNotification(t, db, owner.ID, "Your turn is near", time.Now())
	router := newNotificationRouter(db)
	path := fmt.Sprintf("/notifications/%d/read", notification.ID)

	rec := doJSON(t, router, "PUT", "/notifications/9999/read", makeToken(t, owner.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "PUT", path, makeToken(t, stranger.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, "PUT", path, makeToken(t, owner.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var marked models.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &marked); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if marked.ReadAt == nil {
		t.Fatal("expected read_at to be stamped")
	}
}

func TestBroadcastNotification(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	admin := seedUser(t, db, "Admin", "admin@ashram.test", models.RoleAdmin)
	phoneUser := seedUser(t, db, "Phone User", "phone@ashram.test", models.RoleUser)
	tabletUser := seedUser(t, db, "Tablet User", "tablet@ashram.test", models.RoleUser)
	router := newNotificationRouter(db)
	adminToken := makeToken(t, admin.ID, models.RoleAdmin)
	payload := map[string]interface{}{"title": "Maha aarti", "body": "Special aarti at sunset today"}

	rec := doJSON(t, router, "POST", "/notifications/broadcast", adminToken, map[string]string{"title": "No body"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "POST", "/notifications/broadcast", adminToken, payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	var empty map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &empty); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	assert.Equal(t, "No devices found for notification", empty["message"])

	// Two devices for one user still means one feed entry for them
	for i, userID := range []uint{phoneUser.ID, phoneUser.ID, tabletUser.ID} {
		device := models.Device{
			Token:  fmt.Sprintf("ExponentPushToken[broadcast-%d]", i),
			UserID: userID,
		}
		if err := db.Create(&device).Error; err != nil {
			t.Fatalf("failed to seed device: %v", err)
		}
	}

	rec = doJSON(t, router, "POST", "/notifications/broadcast", adminToken, payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	var sent struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	assert.Equal(t, "Broadcast sent to 2 users", sent.Message)

	var phoneCount, tabletCount int64
	db.Model(&models.Notification{}).Where("user_id = ?", phoneUser.ID).Count(&phoneCount)
	db.Model(&models.Notification{}).Where("user_id = ?", tabletUser.ID).Count(&tabletCount)
	assert.Equal(t, int64(1), phoneCount)
	assert.Equal(t, int64(1), tabletCount)
}

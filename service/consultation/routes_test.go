package consultation

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
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/ws"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var consultationTestSchema = []string{
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
	`CREATE TABLE guruji_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		user_id INTEGER NOT NULL UNIQUE,
		specialty TEXT,
		bio TEXT,
		languages TEXT,
		hall TEXT,
		active BOOLEAN DEFAULT 1
	)`,
	`CREATE TABLE appointments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		code TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		guruji_id INTEGER NOT NULL,
		availability_id INTEGER NOT NULL,
		appointment_date DATETIME NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'BOOKED',
		reason TEXT,
		reminder_sent BOOLEAN DEFAULT 0,
		cancelled_by INTEGER,
		cancel_reason TEXT
	)`,
	`CREATE TABLE queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		appointment_id INTEGER NOT NULL UNIQUE,
		user_id INTEGER NOT NULL,
		guruji_id INTEGER NOT NULL,
		queue_date DATETIME NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'WAITING',
		checked_in_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		UNIQUE (guruji_id, queue_date, position)
	)`,
	`CREATE TABLE consultation_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		appointment_id INTEGER NOT NULL UNIQUE,
		queue_entry_id INTEGER NOT NULL,
		guruji_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		notes TEXT
	)`,
	`CREATE UNIQUE INDEX idx_sessions_one_active
		ON consultation_sessions (guruji_id) WHERE ended_at IS NULL`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		actor_id INTEGER,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id INTEGER,
		detail TEXT
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
	for _, schema := range consultationTestSchema {
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

func newConsultationRouter(db *gorm.DB) *mux.Router {
	hub := ws.NewHub()
	handler := NewConsultationHandler(db, hub, notification.NewNotifier(db, hub))
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

func seedGuruji(t *testing.T, db *gorm.DB, email string) (models.User, models.GurujiProfile) {
	t.Helper()
	user := seedUser(t, db, "Guruji "+email, email, models.RoleGuruji)
	profile := models.GurujiProfile{
		UserID: user.ID,
		Hall:   "Hall A",
		Active: true,
	}
	if err := db.Create(&profile).Error; err != nil {
		t.Fatalf("failed to seed guruji profile: %v", err)
	}
	return user, profile
}

// seedWaiting puts a checked-in visitor into today's queue with the
// given position and returns the queue entry
func seedWaiting(t *testing.T, db *gorm.DB, userID, gurujiID uint, position int) models.QueueEntry {
	t.Helper()
	appointment := models.Appointment{
		Code:            fmt.Sprintf("code-%d-%d", userID, position),
		UserID:          userID,
		GurujiID:        gurujiID,
		AvailabilityID:  1,
		AppointmentDate: time.Now(),
		StartTime:       time.Now(),
		EndTime:         time.Now().Add(15 * time.Minute),
		Status:          models.AppointmentCheckedIn,
	}
	if err := db.Create(&appointment).Error; err != nil {
		t.Fatalf("failed to seed appointment: %v", err)
	}
	entry := models.QueueEntry{
		AppointmentID: appointment.ID,
		UserID:        userID,
		GurujiID:      gurujiID,
		QueueDate:     dateOnly(time.Now()),
		Position:      position,
		Status:        models.QueueWaiting,
		CheckedInAt:   time.Now(),
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed queue entry: %v", err)
	}
	return entry
}

func seedSession(t *testing.T, db *gorm.DB, entry models.QueueEntry, notes string, endedAt *time.Time) models.ConsultationSession {
	t.Helper()
	session := models.ConsultationSession{
		AppointmentID: entry.AppointmentID,
		QueueEntryID:  entry.ID,
		GurujiID:      entry.GurujiID,
		UserID:        entry.UserID,
		StartedAt:     time.Now(),
		EndedAt:       endedAt,
		Notes:         notes,
	}
	if err := db.Create(&session).Error; err != nil {
		t.Fatalf("failed to seed consultation: %v", err)
	}
	return session
}

func TestStartConsultationCallsLowestPosition(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	gurujiUser, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitorOne := seedUser(t, db, "Visitor One", "one@ashram.test", models.RoleUser)
	visitorTwo := seedUser(t, db, "Visitor Two", "two@ashram.test", models.RoleUser)

	// Seeded out of order on purpose, the lowest position goes first
	seedWaiting(t, db, visitorTwo.ID, profile.ID, 2)
	first := seedWaiting(t, db, visitorOne.ID, profile.ID, 1)

	router := newConsultationRouter(db)
	token := makeToken(t, gurujiUser.ID, models.RoleGuruji)

	rec := doJSON(t, router, "POST", "/consultations/start", token, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var session models.ConsultationSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	assert.Equal(t, visitorOne.ID, session.UserID)
	assert.Equal(t, first.ID, session.QueueEntryID)

	var entry models.QueueEntry
	if err := db.First(&entry, first.ID).Error; err != nil {
		t.Fatalf("failed to reload queue entry: %v", err)
	}
	assert.Equal(t, models.QueueInProgress, entry.Status)
	if entry.StartedAt == nil {
		t.Fatal("expected started_at to be set on the queue entry")
	}

	var appointment models.Appointment
	if err := db.First(&appointment, first.AppointmentID).Error; err != nil {
		t.Fatalf("failed to reload appointment: %v", err)
	}
	assert.Equal(t, models.AppointmentInProgress, appointment.Status)
}

func TestStartConsultationSingleActiveRule(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	gurujiUser, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitorOne := seedUser(t, db, "Visitor One", "one@ashram.test", models.RoleUser)
	visitorTwo := seedUser(t, db, "Visitor Two", "two@ashram.test", models.RoleUser)
	seedWaiting(t, db, visitorOne.ID, profile.ID, 1)
	seedWaiting(t, db, visitorTwo.ID, profile.ID, 2)

	router := newConsultationRouter(db)
	token := makeToken(t, gurujiUser.ID, models.RoleGuruji)

	rec := doJSON(t, router, "POST", "/consultations/start", token, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var session models.ConsultationSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}

	rec = doJSON(t, router, "POST", "/consultations/start", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "A consultation is already in progress", errorMessage(t, rec))

	rec = doJSON(t, router, "POST", fmt.Sprintf("/consultations/%d/end", session.ID), token, map[string]interface{}{"notes": "done"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// With the hall free again the next visitor can be called
	rec = doJSON(t, router, "POST", "/consultations/start", token, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var next models.ConsultationSession
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	assert.Equal(t, visitorTwo.ID, next.UserID)
}

func TestSingleActiveSessionIndexBackstop(t *testing.T) {
	db := setupTestDB(t)
	_, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitorOne := seedUser(t, db, "Visitor One", "one@ashram.test", models.RoleUser)
	visitorTwo := seedUser(t, db, "Visitor Two", "two@ashram.test", models.RoleUser)
	entryOne := seedWaiting(t, db, visitorOne.ID, profile.ID, 1)
	entryTwo := seedWaiting(t, db, visitorTwo.ID, profile.ID, 2)

	first := seedSession(t, db, entryOne, "", nil)

	// Two starts racing past the active-session read both reach the
	// insert, the partial unique index decides
	second := models.ConsultationSession{
		AppointmentID: entryTwo.AppointmentID,
		QueueEntryID:  entryTwo.ID,
		GurujiID:      entryTwo.GurujiID,
		UserID:        entryTwo.UserID,
		StartedAt:     time.Now(),
	}
	err := db.Create(&second).Error
	if err == nil {
		t.Fatal("expected the active-session index to reject a second open session")
	}
	assert.True(t, isDuplicateErr(err), "expected a unique violation, got %v", err)

	// Ending the first frees the hall
	now := time.Now()
	if err := db.Model(&first).Update("ended_at", now).Error; err != nil {
		t.Fatalf("failed to end session: %v", err)
	}
	if err := db.Create(&second).Error; err != nil {
		t.Fatalf("expected a fresh session once the hall is free: %v", err)
	}
}

func TestEndConsultationCascades(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	gurujiUser, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitor := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	seedWaiting(t, db, visitor.ID, profile.ID, 1)

	router := newConsultationRouter(db)
	token := makeToken(t, gurujiUser.ID, models.RoleGuruji)

	rec := doJSON(t, router, "POST", "/consultations/start", token, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var session models.ConsultationSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}

	rec = doJSON(t, router, "POST", fmt.Sprintf("/consultations/%d/end", session.ID), token,
		map[string]interface{}{"notes": "Recite the mantra 108 times daily"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var stored models.ConsultationSession
	if err := db.First(&stored, session.ID).Error; err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if stored.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
	assert.Equal(t, "Recite the mantra 108 times daily", stored.Notes)

	var entry models.QueueEntry
	if err := db.First(&entry, session.QueueEntryID).Error; err != nil {
		t.Fatalf("failed to reload queue entry: %v", err)
	}
	assert.Equal(t, models.QueueCompleted, entry.Status)
	if entry.CompletedAt == nil {
		t.Fatal("expected completed_at to be set on the queue entry")
	}

	var appointment models.Appointment
	if err := db.First(&appointment, session.AppointmentID).Error; err != nil {
		t.Fatalf("failed to reload appointment: %v", err)
	}
	assert.Equal(t, models.AppointmentCompleted, appointment.Status)

	// Ending twice is rejected
	rec = doJSON(t, router, "POST", fmt.Sprintf("/consultations/%d/end", session.ID), token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Consultation has already ended", errorMessage(t, rec))
}

func TestEndConsultationAuthorization(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	_, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitor := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	coordinator := seedUser(t, db, "Front Desk", "desk@ashram.test", models.RoleCoordinator)
	admin := seedUser(t, db, "Admin", "admin@ashram.test", models.RoleAdmin)
	entry := seedWaiting(t, db, visitor.ID, profile.ID, 1)
	session := seedSession(t, db, entry, "", nil)

	router := newConsultationRouter(db)

	rec := doJSON(t, router, "POST", fmt.Sprintf("/consultations/%d/end", session.ID),
		makeToken(t, coordinator.ID, models.RoleCoordinator), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, "POST", fmt.Sprintf("/consultations/%d/end", session.ID),
		makeToken(t, admin.ID, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartConsultationOwnershipGuard(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	_, profile := seedGuruji(t, db, "guruji@ashram.test")
	otherUser, _ := seedGuruji(t, db, "other@ashram.test")
	visitor := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	entry := seedWaiting(t, db, visitor.ID, profile.ID, 1)

	router := newConsultationRouter(db)

	rec := doJSON(t, router, "POST", "/consultations/start",
		makeToken(t, otherUser.ID, models.RoleGuruji),
		map[string]interface{}{"queue_entry_id": entry.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartConsultationEmptyQueue(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	gurujiUser, _ := seedGuruji(t, db, "guruji@ashram.test")

	router := newConsultationRouter(db)

	rec := doJSON(t, router, "POST", "/consultations/start", makeToken(t, gurujiUser.ID, models.RoleGuruji), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No visitors waiting in the queue", errorMessage(t, rec))
}

func TestConsultationNotesPrivacy(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	gurujiUser, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitor := seedUser(t, db, "Visitor", "visitor@ashram.test", models.RoleUser)
	stranger := seedUser(t, db, "Stranger", "stranger@ashram.test", models.RoleUser)
	coordinator := seedUser(t, db, "Front Desk", "desk@ashram.test", models.RoleCoordinator)
	admin := seedUser(t, db, "Admin", "admin@ashram.test", models.RoleAdmin)

	entry := seedWaiting(t, db, visitor.ID, profile.ID, 1)
	ended := time.Now()
	session := seedSession(t, db, entry, "Recite the mantra 108 times daily", &ended)
	path := fmt.Sprintf("/consultations/%d", session.ID)

	router := newConsultationRouter(db)

	fetch := func(token string) models.ConsultationSession {
		rec := doJSON(t, router, "GET", path, token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 fetching consultation, got %d: %s", rec.Code, rec.Body.String())
		}
		var got models.ConsultationSession
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("failed to decode session: %v", err)
		}
		return got
	}

	assert.Empty(t, fetch(makeToken(t, visitor.ID, models.RoleUser)).Notes)
	assert.Empty(t, fetch(makeToken(t, coordinator.ID, models.RoleCoordinator)).Notes)
	assert.Equal(t, "Recite the mantra 108 times daily", fetch(makeToken(t, gurujiUser.ID, models.RoleGuruji)).Notes)
	assert.Equal(t, "Recite the mantra 108 times daily", fetch(makeToken(t, admin.ID, models.RoleAdmin)).Notes)

	// Someone else's consultation is off limits entirely
	rec := doJSON(t, router, "GET", path, makeToken(t, stranger.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The visitor's own history never includes notes
	rec = doJSON(t, router, "GET", "/consultations/me", makeToken(t, visitor.ID, models.RoleUser), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Consultations []models.ConsultationSession `json:"consultations"`
		Total         int64                        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(history.Consultations) != 1 {
		t.Fatalf("expected 1 consultation in history, got %d", len(history.Consultations))
	}
	assert.Empty(t, history.Consultations[0].Notes)
}

func TestGetConsultationsFilters(t *testing.T) {
	t.Setenv("SECRET_KEY", "test-secret")
	db := setupTestDB(t)
	_, profile := seedGuruji(t, db, "guruji@ashram.test")
	visitorOne := seedUser(t, db, "Visitor One", "one@ashram.test", models.RoleUser)
	visitorTwo := seedUser(t, db, "Visitor Two", "two@ashram.test", models.RoleUser)
	coordinator := seedUser(t, db, "Front Desk", "desk@ashram.test", models.RoleCoordinator)

	entryOne := seedWaiting(t, db, visitorOne.ID, profile.ID, 1)
	entryTwo := seedWaiting(t, db, visitorTwo.ID, profile.ID, 2)
	ended := time.Now()
	seedSession(t, db, entryOne, "private", &ended)
	active := seedSession(t, db, entryTwo, "", nil)

	router := newConsultationRouter(db)
	token := makeToken(t, coordinator.ID, models.RoleCoordinator)

	rec := doJSON(t, router, "GET", "/consultations?active=true", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Consultations []models.ConsultationSession `json:"consultations"`
		Total         int64                        `json:"total"`
		PageSize      int                          `json:"page_size"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 20, page.PageSize)
	if len(page.Consultations) != 1 {
		t.Fatalf("expected 1 active consultation, got %d", len(page.Consultations))
	}
	assert.Equal(t, active.ID, page.Consultations[0].ID)

	// Coordinators see the sessions but never the notes
	rec = doJSON(t, router, "GET", "/consultations", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	assert.Equal(t, int64(2), page.Total)
	for _, session := range page.Consultations {
		assert.Empty(t, session.Notes)
	}
}

package reminder

import (
	"fmt"
	"testing"
	"time"

	"github.com/shantivan/ashram-server/cmd/models"
	notification "github.com/shantivan/ashram-server/service/notifications"
	"github.com/shantivan/ashram-server/service/ws"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var reminderTestSchema = []string{
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
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	for _, schema := range reminderTestSchema {
		if err := db.Exec(schema).Error; err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}
	return db
}

func seedAppointmentOn(t *testing.T, db *gorm.DB, userID uint, day time.Time, status models.AppointmentStatus, reminded bool) models.Appointment {
	t.Helper()
	appointment := models.Appointment{
		Code:            fmt.Sprintf("code-%d-%d", userID, time.Now().UnixNano()),
		UserID:          userID,
		GurujiID:        1,
		AvailabilityID:  1,
		AppointmentDate: day,
		StartTime:       day.Add(9 * time.Hour),
		EndTime:         day.Add(9*time.Hour + 15*time.Minute),
		Status:          status,
		ReminderSent:    reminded,
	}
	if err := db.Create(&appointment).Error; err != nil {
		t.Fatalf("failed to seed appointment: %v", err)
	}
	return appointment
}

// A failed send must leave reminder_sent clear so the next run retries.
func TestFailedSendLeavesReminderFlagClear(t *testing.T) {
	t.Setenv("SMTP_PORT", "")
	db := setupTestDB(t)
	user := models.User{
		FullName:     "Asha Devi",
		Email:        "asha@ashram.test",
		PasswordHash: "not-a-real-hash",
		Role:         models.RoleUser,
		Phone:        "9000000000",
		Status:       "active",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	tomorrow := dateOnly(time.Now().AddDate(0, 0, 1))
	target := seedAppointmentOn(t, db, user.ID, tomorrow, models.AppointmentConfirmed, false)

	hub := ws.NewHub()
	reminder := NewReminder(db, notification.NewNotifier(db, hub))
	reminder.SendNextDayReminders()

	var stored models.Appointment
	if err := db.First(&stored, target.ID).Error; err != nil {
		t.Fatalf("failed to reload appointment: %v", err)
	}
	if stored.ReminderSent {
		t.Error("reminder_sent must stay false when the email could not be delivered")
	}

	var feedRows int64
	db.Model(&models.Notification{}).Where("user_id = ?", user.ID).Count(&feedRows)
	if feedRows != 0 {
		t.Errorf("expected no feed rows after a failed send, got %d", feedRows)
	}
}

// Appointments outside tomorrow's confirmed, unreminded set are left
// untouched by a reminder run.
func TestReminderRunIgnoresOutOfScopeAppointments(t *testing.T) {
	t.Setenv("SMTP_PORT", "")
	db := setupTestDB(t)
	user := models.User{
		FullName:     "Asha Devi",
		Email:        "asha@ashram.test",
		PasswordHash: "not-a-real-hash",
		Role:         models.RoleUser,
		Phone:        "9000000000",
		Status:       "active",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	today := dateOnly(time.Now())
	tomorrow := today.AddDate(0, 0, 1)

	booked := seedAppointmentOn(t, db, user.ID, tomorrow, models.AppointmentBooked, false)
	sameDay := seedAppointmentOn(t, db, user.ID, today, models.AppointmentConfirmed, false)
	alreadySent := seedAppointmentOn(t, db, user.ID, tomorrow, models.AppointmentConfirmed, true)

	hub := ws.NewHub()
	reminder := NewReminder(db, notification.NewNotifier(db, hub))
	reminder.SendNextDayReminders()

	for _, id := range []uint{booked.ID, sameDay.ID} {
		var stored models.Appointment
		if err := db.First(&stored, id).Error; err != nil {
			t.Fatalf("failed to reload appointment %d: %v", id, err)
		}
		if stored.ReminderSent {
			t.Errorf("appointment %d should not have been reminded", id)
		}
	}

	var kept models.Appointment
	if err := db.First(&kept, alreadySent.ID).Error; err != nil {
		t.Fatalf("failed to reload appointment: %v", err)
	}
	if !kept.ReminderSent {
		t.Error("an already sent reminder flag must not be cleared")
	}
}

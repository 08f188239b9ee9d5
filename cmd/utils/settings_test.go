package utils

import (
	"testing"

	"github.com/shantivan/ashram-server/cmd/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func settingsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	schema := `CREATE TABLE system_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME,
		key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		description TEXT
	)`
	if err := db.Exec(schema).Error; err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

func TestSettingInt(t *testing.T) {
	db := settingsTestDB(t)
	seed := []models.SystemSetting{
		{Key: "queue_size_limit", Value: "40"},
		{Key: "reminder_hour", Value: "not-a-number"},
		{Key: "booking_window_days", Value: "-5"},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("failed to seed setting: %v", err)
		}
	}

	if got := SettingInt(db, "queue_size_limit", 0); got != 40 {
		t.Errorf("expected 40, got %d", got)
	}
	if got := SettingInt(db, "reminder_hour", 18); got != 18 {
		t.Errorf("malformed value should fall back to 18, got %d", got)
	}
	if got := SettingInt(db, "booking_window_days", 30); got != 30 {
		t.Errorf("negative value should fall back to 30, got %d", got)
	}
	if got := SettingInt(db, "missing_key", 15); got != 15 {
		t.Errorf("missing key should fall back to 15, got %d", got)
	}
}

func TestSettingString(t *testing.T) {
	db := settingsTestDB(t)
	if err := db.Create(&models.SystemSetting{Key: "ashram_name", Value: "Shanti Van Ashram"}).Error; err != nil {
		t.Fatalf("failed to seed setting: %v", err)
	}

	if got := SettingString(db, "ashram_name", "Ashram"); got != "Shanti Van Ashram" {
		t.Errorf("expected seeded name, got %q", got)
	}
	if got := SettingString(db, "missing_key", "Ashram"); got != "Ashram" {
		t.Errorf("missing key should fall back, got %q", got)
	}
}

package models

import (
	"gorm.io/gorm"
)

// SystemSetting is a key/value knob editable by admins at runtime.
// Known keys are seeded at migration time; unknown keys are rejected.
type SystemSetting struct {
	gorm.Model
	Key         string `gorm:"column:key;size:100;not null;uniqueIndex" json:"key"`
	Value       string `gorm:"column:value;size:500;not null" json:"value"`
	Description string `gorm:"column:description;size:500" json:"description"`
}

const (
	SettingAshramName          = "ashram_name"
	SettingConsultationMinutes = "average_consultation_minutes"
	SettingBookingWindowDays   = "booking_window_days"
	SettingQueueSizeLimit      = "queue_size_limit"
	SettingReminderHour        = "reminder_hour"
)

type AuditLog struct {
	gorm.Model
	ActorID  uint   `gorm:"column:actor_id;index" json:"actor_id"`
	Action   string `gorm:"column:action;size:100;not null;index" json:"action"`
	Entity   string `gorm:"column:entity;size:50;not null" json:"entity"`
	EntityID uint   `gorm:"column:entity_id" json:"entity_id"`
	Detail   string `gorm:"column:detail;size:1000" json:"detail"`
}

func (SystemSetting) TableName() string {
	return "system_settings"
}

package models

import (
	"time"

	"gorm.io/gorm"
)

type QueueStatus string

const (
	QueueWaiting    QueueStatus = "WAITING"
	QueueInProgress QueueStatus = "IN_PROGRESS"
	QueueCompleted  QueueStatus = "COMPLETED"
	QueueSkipped    QueueStatus = "SKIPPED"
)

// QueueEntry is one visitor's place in a guruji's queue for a day.
// Positions are handed out once at check-in and never renumbered;
// the board stays stable even when someone ahead is skipped.
type QueueEntry struct {
	gorm.Model
	AppointmentID uint        `gorm:"column:appointment_id;not null;uniqueIndex" json:"appointment_id"`
	UserID        uint        `gorm:"column:user_id;not null;index" json:"user_id"`
	GurujiID      uint        `gorm:"column:guruji_id;not null;uniqueIndex:idx_queue_day_position" json:"guruji_id"`
	QueueDate     time.Time   `gorm:"column:queue_date;not null;uniqueIndex:idx_queue_day_position" json:"queue_date"`
	Position      int         `gorm:"column:position;not null;uniqueIndex:idx_queue_day_position" json:"position"`
	Status        QueueStatus `gorm:"column:status;size:20;not null;default:'WAITING'" json:"status"`
	CheckedInAt   time.Time   `gorm:"column:checked_in_at;not null" json:"checked_in_at"`
	StartedAt     *time.Time  `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time  `gorm:"column:completed_at" json:"completed_at,omitempty"`

	Appointment *Appointment   `gorm:"foreignKey:AppointmentID" json:"appointment,omitempty"`
	User        *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Guruji      *GurujiProfile `gorm:"foreignKey:GurujiID" json:"-"`
}

func (QueueEntry) TableName() string {
	return "queue_entries"
}

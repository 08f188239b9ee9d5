package models

import (
	"time"

	"gorm.io/gorm"
)

// ConsultationSession records one sitting between a guruji and a visitor.
// Notes are read back only by the guruji who wrote them and by admins.
// The partial unique index allows one session per guruji with ended_at
// still NULL; racing starts lose at the insert.
type ConsultationSession struct {
	gorm.Model
	AppointmentID uint       `gorm:"column:appointment_id;not null;uniqueIndex" json:"appointment_id"`
	QueueEntryID  uint       `gorm:"column:queue_entry_id;not null" json:"queue_entry_id"`
	GurujiID      uint       `gorm:"column:guruji_id;not null;index;index:idx_sessions_one_active,unique,where:ended_at IS NULL" json:"guruji_id"`
	UserID        uint       `gorm:"column:user_id;not null;index" json:"user_id"`
	StartedAt     time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	EndedAt       *time.Time `gorm:"column:ended_at" json:"ended_at,omitempty"`
	Notes         string     `gorm:"column:notes;type:text" json:"notes,omitempty"`

	Appointment *Appointment   `gorm:"foreignKey:AppointmentID" json:"appointment,omitempty"`
	QueueEntry  *QueueEntry    `gorm:"foreignKey:QueueEntryID" json:"-"`
	Guruji      *GurujiProfile `gorm:"foreignKey:GurujiID" json:"-"`
	User        *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (s ConsultationSession) Active() bool {
	return s.EndedAt == nil
}

func (ConsultationSession) TableName() string {
	return "consultation_sessions"
}

package models


import (
    "gorm.io/gorm"
    "time"
)

type AppointmentStatus string

const (
    AppointmentBooked     AppointmentStatus = "BOOKED"
    AppointmentConfirmed  AppointmentStatus = "CONFIRMED"
    AppointmentCheckedIn  AppointmentStatus = "CHECKED_IN"
    AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
    AppointmentCompleted  AppointmentStatus = "COMPLETED"
    AppointmentCancelled  AppointmentStatus = "CANCELLED"
    AppointmentNoShow     AppointmentStatus = "NO_SHOW"
)

// appointmentTransitions is the single authority on status changes.
// Every handler that moves an appointment goes through CanTransitionTo.
var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
    AppointmentBooked:     {AppointmentConfirmed, AppointmentCancelled},
    AppointmentConfirmed:  {AppointmentCheckedIn, AppointmentCancelled},
    AppointmentCheckedIn:  {AppointmentInProgress, AppointmentNoShow},
    AppointmentInProgress: {AppointmentCompleted},
    AppointmentCompleted:  {},
    AppointmentCancelled:  {},
    AppointmentNoShow:     {},
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
    for _, allowed := range appointmentTransitions[s] {
        if allowed == next {
            return true
        }
    }
    return false
}

func (s AppointmentStatus) AllowedNext() []AppointmentStatus {
    return appointmentTransitions[s]
}

func (s AppointmentStatus) Terminal() bool {
    return len(appointmentTransitions[s]) == 0
}

type Appointment struct {
    gorm.Model
    Code             string    `gorm:"size:36;not null;uniqueIndex" json:"code"`
    UserID           uint      `gorm:"not null;index" json:"user_id"`
    GurujiID         uint      `gorm:"not null;index" json:"guruji_id"`
    AvailabilityID   uint      `gorm:"not null" json:"availability_id"`
    AppointmentDate  time.Time `gorm:"not null" json:"appointment_date"`
    StartTime        time.Time `gorm:"not null" json:"start_time"`
    EndTime          time.Time `gorm:"not null" json:"end_time"`
    Status           AppointmentStatus `gorm:"size:20;not null;default:'BOOKED'" json:"status"`
    Reason           string    `gorm:"size:500" json:"reason"`
    ReminderSent     bool      `gorm:"default:false" json:"reminder_sent"`
    CancelledBy      uint      `json:"cancelled_by,omitempty"`
    CancelReason     string    `gorm:"size:500" json:"cancel_reason,omitempty"`

    User             *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
    Guruji           *GurujiProfile `gorm:"foreignKey:GurujiID" json:"guruji,omitempty"`
    Availability     *Availability  `gorm:"foreignKey:AvailabilityID" json:"availability,omitempty"`
}

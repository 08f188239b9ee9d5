package models

import (
	"time"

	"gorm.io/gorm"
)

type Device struct {
    gorm.Model
    Token      string `gorm:"not null;uniqueIndex:idx_token_user" json:"token"`
    UserID     uint   `gorm:"not null;index;uniqueIndex:idx_token_user" json:"userId"`
    DeviceType string `gorm:"type:varchar(50)" json:"deviceType"`
    DeviceName string `gorm:"type:varchar(100)" json:"deviceName,omitempty"`
}

const (
    NotificationAppointment  = "appointment"
    NotificationQueue        = "queue"
    NotificationConsultation = "consultation"
    NotificationRemedy       = "remedy"
    NotificationSystem       = "system"
)

// Notification is one row in a user's in-app feed. Data carries the
// event payload as a JSON string so the mobile client can deep-link.
type Notification struct {
    gorm.Model
    UserID  uint       `gorm:"index" json:"userId"`
    Type    string     `gorm:"type:varchar(30);not null" json:"type"`
    Title   string     `json:"title"`
    Body    string     `json:"body"`
    Data    string     `gorm:"type:text" json:"data,omitempty"`
    Status  string     `gorm:"type:varchar(20)" json:"status"`
    SentAt  time.Time  `json:"sentAt"`
    ReadAt  *time.Time `json:"readAt,omitempty"`
}

// BroadcastRequest is a request to notify every registered device,
// or only the listed users when UserIDs is set.
type BroadcastRequest struct {
    Title   string                 `json:"title"`
    Body    string                 `json:"body"`
    Data    map[string]interface{} `json:"data,omitempty"`
    UserIDs []uint                 `json:"userIds,omitempty"`
}

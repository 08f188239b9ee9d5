package models

import (
	"time"

	"gorm.io/gorm"
)

// Availability is a darshan window a guruji opens on a given date.
// Bookable slots are derived from it, never stored.
type Availability struct {
	gorm.Model
	GurujiID  uint      `gorm:"column:guruji_id;not null;index" json:"guruji_id"`
	Date      time.Time `gorm:"column:date;not null" json:"date"`
	StartTime time.Time `gorm:"column:start_time;not null" json:"start_time"`
	EndTime   time.Time `gorm:"column:end_time;not null" json:"end_time"`
	Note      string    `gorm:"column:note;type:text" json:"note"`
	Capacity  int       `gorm:"column:capacity;not null;default:0" json:"capacity"`

	Guruji    *GurujiProfile `gorm:"foreignKey:GurujiID" json:"-"`
}

func (Availability) TableName() string {
	return "availabilities"
}

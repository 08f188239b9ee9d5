package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
    RoleUser        = "user"
    RoleGuruji      = "guruji"
    RoleCoordinator = "coordinator"
    RoleAdmin       = "admin"
)

type User struct {
    gorm.Model
    FullName       string    `gorm:"column:full_name;size:255;not null" json:"full_name"`
    Email          string    `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
    PasswordHash   string    `gorm:"column:password_hash;size:255;not null" json:"-"`
    Role           string    `gorm:"column:role;size:50;not null;default:user" json:"role"`
    Phone          string    `gorm:"column:phone;size:20;not null;uniqueIndex" json:"phone"`
    PhoneVerified  bool      `gorm:"column:phone_verified;default:false" json:"phone_verified"`
    EmailVerified   bool     `gorm:"column:email_verified;default:false" json:"email_verified"`
    Status         string    `gorm:"column:status;size:50;not null;default:active" json:"status"`
    Refresh        string    `gorm:"column:refresh_token;size:255" json:"-"`
    RefreshTokenExpiredAt time.Time `gorm:"column:refresh_token_expired_at" json:"-"`
    ProfilePicturePath string `gorm:"column:profile_picture_path;size:255" json:"profile_picture_path"`
    EmailVerificationCode string    `gorm:"size:6" json:"-"`
    VerificationExpiry    time.Time `gorm:"" json:"-"`

    GurujiProfile  *GurujiProfile `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"guruji_profile,omitempty"`
}


// GurujiProfile holds the advisor-facing fields of a guruji account.
// Visitors browse these when booking; the owning User row keeps the credentials.
type GurujiProfile struct {
    gorm.Model
    UserID         uint      `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
    Specialty      string    `gorm:"column:specialty;size:255" json:"specialty"`
    Bio            string    `gorm:"column:bio;type:text" json:"bio"`
    Languages      pq.StringArray `gorm:"column:languages;type:text[]" json:"languages,omitempty"`
    Hall           string    `gorm:"column:hall;size:100" json:"hall"`
    Active         bool      `gorm:"column:active;default:true" json:"active"`

    User           *User     `gorm:"foreignKey:UserID" json:"-"`
}


type PasswordResetToken struct {
    ID        uint      `gorm:"primaryKey"`
    UserID    uint      `gorm:"not null"`
    Token     string    `gorm:"not null"`
    ExpiresAt time.Time `gorm:"not null"`
}


func (GurujiProfile) TableName() string {
    return "guruji_profiles"
}

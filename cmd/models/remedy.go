package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// RemedyTemplate is a reusable prescription: a named list of items
// (mantras, herbs, practices) with instructions. Gurujis own their
// templates; admins may manage all of them.
type RemedyTemplate struct {
	gorm.Model
	GurujiID     uint           `gorm:"column:guruji_id;not null;index" json:"guruji_id"`
	Name         string         `gorm:"column:name;size:255;not null" json:"name"`
	Category     string         `gorm:"column:category;size:100" json:"category"`
	Items        pq.StringArray `gorm:"column:items;type:text[]" json:"items"`
	Instructions string         `gorm:"column:instructions;type:text" json:"instructions"`
	DurationDays int            `gorm:"column:duration_days;default:0" json:"duration_days"`
	Language     string         `gorm:"column:language;size:50;default:'en'" json:"language"`
	Active       bool           `gorm:"column:active;default:true" json:"active"`

	Guruji *GurujiProfile `gorm:"foreignKey:GurujiID" json:"-"`
}

// RemedyDocument is an issued prescription. Template fields are copied
// onto the document at issue time so later template edits never change
// what the visitor received.
type RemedyDocument struct {
	gorm.Model
	Number        string         `gorm:"column:number;size:36;not null;uniqueIndex" json:"number"`
	SessionID     uint           `gorm:"column:session_id;not null;index" json:"session_id"`
	TemplateID    *uint          `gorm:"column:template_id" json:"template_id,omitempty"`
	UserID        uint           `gorm:"column:user_id;not null;index" json:"user_id"`
	GurujiID      uint           `gorm:"column:guruji_id;not null;index" json:"guruji_id"`
	TemplateName  string         `gorm:"column:template_name;size:255;not null" json:"template_name"`
	Items         pq.StringArray `gorm:"column:items;type:text[]" json:"items"`
	Instructions  string         `gorm:"column:instructions;type:text" json:"instructions"`
	DurationDays  int            `gorm:"column:duration_days;default:0" json:"duration_days"`
	CustomNotes   string         `gorm:"column:custom_notes;type:text" json:"custom_notes,omitempty"`
	PDFPath       string         `gorm:"column:pdf_path;size:500" json:"pdf_path,omitempty"`
	EmailedAt     *time.Time     `gorm:"column:emailed_at" json:"emailed_at,omitempty"`

	Session  *ConsultationSession `gorm:"foreignKey:SessionID" json:"-"`
	Template *RemedyTemplate      `gorm:"foreignKey:TemplateID" json:"-"`
	User     *User                `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Guruji   *GurujiProfile       `gorm:"foreignKey:GurujiID" json:"guruji,omitempty"`
}

func (RemedyTemplate) TableName() string {
	return "remedy_templates"
}

func (RemedyDocument) TableName() string {
	return "remedy_documents"
}

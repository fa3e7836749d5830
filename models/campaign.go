package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Campaign represents an outbound email campaign owned by one user and
// sent through one sender account.
type Campaign struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, completed

	// Generation inputs
	Industry         string `json:"industry"`
	ValueProposition string `json:"value_proposition"`
	CallToAction     string `json:"call_to_action"`
	Tone             string `json:"tone"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Steps     []SequenceStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	Prospects []Prospect     `gorm:"foreignKey:CampaignID" json:"prospects,omitempty"`
}

// SequenceStep is one templated email in a campaign. Subject and body keep
// their {{placeholders}} unresolved.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	StepNumber int    `gorm:"not null" json:"step_number"` // 1-based
	DelayHours int    `gorm:"not null;default:0" json:"delay_hours"`
	Purpose    string `json:"purpose"`
	Subject    string `gorm:"not null" json:"subject"`
	Body       string `gorm:"type:text;not null" json:"body"`
}

package models

import "time"

const (
	InteractionEmailSent         = "email_sent"
	InteractionEmailOpened       = "email_opened"
	InteractionEmailReplied      = "email_replied"
	InteractionHumanReviewNeeded = "human_review_needed"
)

// Interaction is an append-only log entry. Rows are never updated or
// deleted; daily volume and reply state are derived from them.
type Interaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	SenderID   uint  `gorm:"not null;index" json:"sender_id"`
	CampaignID *uint `gorm:"index" json:"campaign_id"`
	ProspectID *uint `gorm:"index" json:"prospect_id"`

	Type       string `gorm:"not null;index" json:"type"`
	ThreadID   string `gorm:"index" json:"thread_id"`
	MessageID  string `json:"message_id"`
	StepNumber int    `json:"step_number"`
	Content    string `gorm:"type:text" json:"content"`
	Automated  bool   `gorm:"default:false" json:"automated"`

	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
}

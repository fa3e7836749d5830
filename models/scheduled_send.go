package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SendKindInitial        = "initial"
	SendKindFollowUp       = "follow-up"
	SendKindQueuedResponse = "queued_response"

	SendStatusScheduled = "scheduled"
	SendStatusSent      = "sent"
	SendStatusCancelled = "cancelled"
)

// ScheduledSend is a standalone delivery ticket. The payload is
// denormalized so it can be delivered without its campaign.
type ScheduledSend struct {
	gorm.Model
	SenderID   uint  `gorm:"not null;index" json:"sender_id"`
	CampaignID *uint `gorm:"index" json:"campaign_id"`
	ProspectID *uint `gorm:"index" json:"prospect_id"`
	StepNumber int   `json:"step_number"`

	ToEmail   string `gorm:"not null" json:"to_email"`
	Subject   string `json:"subject"`
	Body      string `gorm:"type:text" json:"body"`
	ThreadID  string `json:"thread_id"`
	InReplyTo string `json:"in_reply_to"`

	ScheduledFor time.Time  `gorm:"not null;index" json:"scheduled_for"`
	Kind         string     `gorm:"not null;index" json:"kind"`
	Status       string     `gorm:"default:'scheduled';index" json:"status"`
	SentAt       *time.Time `json:"sent_at"`
	Attempts     int        `gorm:"default:0" json:"attempts"`
	LastError    *string    `json:"last_error"`
}

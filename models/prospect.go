package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	ProspectNew       = "new"
	ProspectContacted = "contacted"
	ProspectReplied   = "replied"
	ProspectQualified = "qualified"
)

// Prospect is a single contact enrolled in a campaign. Email is unique
// within its campaign.
type Prospect struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_prospect_email" json:"campaign_id"`

	Email     string `gorm:"not null;uniqueIndex:idx_campaign_prospect_email" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Title     string `json:"title"`
	Industry  string `json:"industry"`
	Website   string `json:"website"`

	Status       string     `gorm:"default:'new';index" json:"status"` // new, contacted, replied, qualified
	ContactedAt  *time.Time `json:"contacted_at"`
	LastStepSent int        `gorm:"default:0" json:"last_step_sent"`
}

func (p *Prospect) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

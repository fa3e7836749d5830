package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
	ProviderIMAP    = "imap"

	AutomationActive = "active"
	AutomationPaused = "paused"
)

// Sender represents a connected sending/receiving mailbox and its
// automation settings.
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// Connection Type
	ProviderType string `gorm:"not null" json:"provider_type"` // gmail, outlook, imap

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted in application layer

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthToken        string     `gorm:"column:oauth_token" json:"-"`         // Encrypted
	OAuthRefreshToken string     `gorm:"column:oauth_refresh_token" json:"-"` // Encrypted
	OAuthExpiry       *time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Sending limits =========
	DailyLimit int `gorm:"default:0" json:"daily_limit"` // subscription cap, 0 = unlimited

	// ========= Inbox automation =========
	AutomationStatus    string `gorm:"default:'paused'" json:"automation_status"`
	AutoReplyEnabled    bool   `gorm:"default:false" json:"auto_reply_enabled"`
	AutoFollowUpEnabled bool   `gorm:"default:false" json:"auto_follow_up_enabled"`
	BusinessHoursStart  int    `gorm:"default:9" json:"business_hours_start"`
	BusinessHoursEnd    int    `gorm:"default:17" json:"business_hours_end"`
	Timezone            string `json:"timezone"`
	MaxDailyAutoReplies int    `gorm:"default:50" json:"max_daily_auto_replies"`
	ReplyTone           string `gorm:"default:'professional'" json:"reply_tone"`
	ReplyLength         string `gorm:"default:'medium'" json:"reply_length"`

	// ========= Status =========
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`
}

func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
	s.OAuthToken = ""
	s.OAuthRefreshToken = ""
}

// Location returns the sender's configured timezone, falling back to def
// when unset or unknown.
func (s *Sender) Location(def *time.Location) *time.Location {
	if s.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// InBusinessHours reports whether t falls on a weekday between the
// configured start and end hours in the sender's timezone.
func (s *Sender) InBusinessHours(t time.Time, def *time.Location) bool {
	local := t.In(s.Location(def))
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	start, end := s.BusinessHoursStart, s.BusinessHoursEnd
	if start == 0 && end == 0 {
		start, end = 9, 17
	}
	h := local.Hour()
	return h >= start && h < end
}

package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	WarmupInitializing = "initializing"
	WarmupWarmingUp    = "warming_up"
	WarmupWarmedUp     = "warmed_up"

	WarmupActive = "active"
	WarmupPaused = "paused"
)

// WarmupState tracks the reputation ramp of one sending account.
type WarmupState struct {
	gorm.Model
	SenderID  uint      `gorm:"not null;uniqueIndex" json:"sender_id"`
	StartDate time.Time `gorm:"not null" json:"start_date"`
	Phase     string    `gorm:"default:'initializing'" json:"phase"`
	Status    string    `gorm:"default:'active'" json:"status"`
}

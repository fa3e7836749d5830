package models

import "time"

const (
	QualificationHot  = "hot"
	QualificationWarm = "warm"
	QualificationCold = "cold"
)

// LeadScore is keyed by email and upserted on every scoring run.
type LeadScore struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email               string    `gorm:"not null;uniqueIndex" json:"email"`
	Score               int       `gorm:"not null" json:"score"`
	Qualification       string    `gorm:"not null" json:"qualification"`
	Reasons             []string  `gorm:"type:jsonb;serializer:json" json:"reasons"`
	BuyingSignals       []string  `gorm:"type:jsonb;serializer:json" json:"buying_signals"`
	RedFlags            []string  `gorm:"type:jsonb;serializer:json" json:"red_flags"`
	SuggestedApproach   string    `json:"suggested_approach"`
	EstimatedBudget     string    `json:"estimated_budget"`
	DecisionMakerLevel  string    `json:"decision_maker_level"`
	Urgency             string    `json:"urgency"`
	PersonalizedMessage string    `gorm:"type:text" json:"personalized_message"`
	Fallback            bool      `gorm:"default:false" json:"fallback"`
	ScoredAt            time.Time `json:"scored_at"`
}

// Package repository is the persistence boundary of the automation core.
// Services depend on Store only and never build queries themselves.
package repository

import (
	"context"
	"errors"
	"time"

	"replypilot/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// InteractionFilter narrows CountInteractions. Zero values are ignored.
type InteractionFilter struct {
	SenderID   uint
	ProspectID uint
	ThreadID   string
	Types      []string
	Since      time.Time
	Automated  *bool
}

// ScheduledSendFilter narrows ListScheduledSends and CancelScheduledSends.
// Zero values are ignored.
type ScheduledSendFilter struct {
	SenderID        uint
	CampaignID      uint
	ProspectID      uint
	StepNumber      int
	Kinds           []string
	Status          string
	DueBy           time.Time
	WithoutCampaign bool
	Limit           int
}

type Store interface {
	// Transaction runs fn against a Store bound to one transaction.
	Transaction(ctx context.Context, fn func(Store) error) error

	GetSender(ctx context.Context, id uint) (*models.Sender, error)
	ListSenders(ctx context.Context, automationStatus string) ([]models.Sender, error)
	SetSenderAutomation(ctx context.Context, id uint, status string) error
	RecordSenderError(ctx context.Context, id uint, msg string, at time.Time) error

	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	// GetCampaign loads a campaign with its steps ordered by step number.
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, status string) ([]models.Campaign, error)
	SetCampaignStatus(ctx context.Context, id uint, status string, at time.Time) error

	CreateProspects(ctx context.Context, prospects []models.Prospect) error
	GetProspect(ctx context.Context, id uint) (*models.Prospect, error)
	// ListProspects returns a campaign's prospects in insertion order. An
	// empty status matches all.
	ListProspects(ctx context.Context, campaignID uint, status string) ([]models.Prospect, error)
	// FindProspectByEmail returns the most recent prospect with this email
	// in any campaign of the sender.
	FindProspectByEmail(ctx context.Context, senderID uint, email string) (*models.Prospect, error)
	MarkProspectContacted(ctx context.Context, id uint, step int, at time.Time) error
	SetProspectStatus(ctx context.Context, id uint, status string) error

	CreateInteraction(ctx context.Context, interaction *models.Interaction) error
	CountInteractions(ctx context.Context, filter InteractionFilter) (int64, error)

	GetWarmupState(ctx context.Context, senderID uint) (*models.WarmupState, error)
	SaveWarmupState(ctx context.Context, state *models.WarmupState) error

	CreateScheduledSends(ctx context.Context, sends []models.ScheduledSend) error
	// ListScheduledSends orders by scheduled time, then id.
	ListScheduledSends(ctx context.Context, filter ScheduledSendFilter) ([]models.ScheduledSend, error)
	MarkScheduledSendSent(ctx context.Context, id uint, at time.Time) error
	MarkScheduledSendFailed(ctx context.Context, id uint, msg string) error
	RescheduleSend(ctx context.Context, id uint, at time.Time) error
	CancelScheduledSends(ctx context.Context, filter ScheduledSendFilter) (int64, error)

	UpsertLeadScore(ctx context.Context, score *models.LeadScore) error
	GetLeadScore(ctx context.Context, email string) (*models.LeadScore, error)
	ListLeadScores(ctx context.Context, emails []string) ([]models.LeadScore, error)
}

// Models lists every table owned by the store, in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.Sender{},
		&models.Campaign{},
		&models.SequenceStep{},
		&models.Prospect{},
		&models.Interaction{},
		&models.WarmupState{},
		&models.ScheduledSend{},
		&models.LeadScore{},
	}
}

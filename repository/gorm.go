package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"replypilot/models"
)

// GormStore implements Store on top of gorm. Postgres in production,
// SQLite in tests.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// Migrate creates or updates every table the store uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{DB: tx})
	})
}

func (s *GormStore) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	var sender models.Sender
	if err := s.db(ctx).First(&sender, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sender, nil
}

func (s *GormStore) ListSenders(ctx context.Context, automationStatus string) ([]models.Sender, error) {
	var senders []models.Sender
	q := s.db(ctx).Order("id")
	if automationStatus != "" {
		q = q.Where("automation_status = ?", automationStatus)
	}
	if err := q.Find(&senders).Error; err != nil {
		return nil, err
	}
	return senders, nil
}

func (s *GormStore) SetSenderAutomation(ctx context.Context, id uint, status string) error {
	res := s.db(ctx).Model(&models.Sender{}).Where("id = ?", id).Update("automation_status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RecordSenderError(ctx context.Context, id uint, msg string, at time.Time) error {
	return s.db(ctx).Model(&models.Sender{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_error":     msg,
		"last_tested_at": at,
	}).Error
}

func (s *GormStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	return s.db(ctx).Create(campaign).Error
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_number ASC")
}

func (s *GormStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := s.db(ctx).Preload("Steps", orderedSteps).First(&campaign, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &campaign, nil
}

func (s *GormStore) ListCampaigns(ctx context.Context, status string) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	q := s.db(ctx).Preload("Steps", orderedSteps).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (s *GormStore) SetCampaignStatus(ctx context.Context, id uint, status string, at time.Time) error {
	updates := map[string]interface{}{"status": status}
	var campaign models.Campaign
	if err := s.db(ctx).Select("id", "started_at").First(&campaign, id).Error; err != nil {
		return notFound(err)
	}
	if status == models.CampaignActive && campaign.StartedAt == nil {
		updates["started_at"] = at
	}
	if status == models.CampaignCompleted {
		updates["completed_at"] = at
	}
	return s.db(ctx).Model(&models.Campaign{}).Where("id = ?", id).Updates(updates).Error
}

func (s *GormStore) CreateProspects(ctx context.Context, prospects []models.Prospect) error {
	if len(prospects) == 0 {
		return nil
	}
	for i := range prospects {
		prospects[i].Email = strings.ToLower(strings.TrimSpace(prospects[i].Email))
		if prospects[i].Status == "" {
			prospects[i].Status = models.ProspectNew
		}
	}
	return s.db(ctx).Create(&prospects).Error
}

func (s *GormStore) GetProspect(ctx context.Context, id uint) (*models.Prospect, error) {
	var prospect models.Prospect
	if err := s.db(ctx).First(&prospect, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &prospect, nil
}

func (s *GormStore) ListProspects(ctx context.Context, campaignID uint, status string) ([]models.Prospect, error) {
	var prospects []models.Prospect
	q := s.db(ctx).Where("campaign_id = ?", campaignID).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&prospects).Error; err != nil {
		return nil, err
	}
	return prospects, nil
}

func (s *GormStore) FindProspectByEmail(ctx context.Context, senderID uint, email string) (*models.Prospect, error) {
	var prospect models.Prospect
	err := s.db(ctx).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		Where("campaign_id IN (?)", s.db(ctx).Model(&models.Campaign{}).Select("id").Where("sender_id = ?", senderID)).
		Order("id DESC").
		First(&prospect).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &prospect, nil
}

func (s *GormStore) MarkProspectContacted(ctx context.Context, id uint, step int, at time.Time) error {
	var prospect models.Prospect
	if err := s.db(ctx).Select("id", "contacted_at").First(&prospect, id).Error; err != nil {
		return notFound(err)
	}
	updates := map[string]interface{}{
		"status":         models.ProspectContacted,
		"last_step_sent": step,
	}
	if prospect.ContactedAt == nil {
		updates["contacted_at"] = at
	}
	return s.db(ctx).Model(&models.Prospect{}).Where("id = ?", id).Updates(updates).Error
}

func (s *GormStore) SetProspectStatus(ctx context.Context, id uint, status string) error {
	res := s.db(ctx).Model(&models.Prospect{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateInteraction(ctx context.Context, interaction *models.Interaction) error {
	return s.db(ctx).Create(interaction).Error
}

func (s *GormStore) CountInteractions(ctx context.Context, filter InteractionFilter) (int64, error) {
	q := s.db(ctx).Model(&models.Interaction{})
	if filter.SenderID != 0 {
		q = q.Where("sender_id = ?", filter.SenderID)
	}
	if filter.ProspectID != 0 {
		q = q.Where("prospect_id = ?", filter.ProspectID)
	}
	if filter.ThreadID != "" {
		q = q.Where("thread_id = ?", filter.ThreadID)
	}
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if filter.Automated != nil {
		q = q.Where("automated = ?", *filter.Automated)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return count, nil
}

func (s *GormStore) GetWarmupState(ctx context.Context, senderID uint) (*models.WarmupState, error) {
	var state models.WarmupState
	if err := s.db(ctx).Where("sender_id = ?", senderID).First(&state).Error; err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

func (s *GormStore) SaveWarmupState(ctx context.Context, state *models.WarmupState) error {
	return s.db(ctx).Save(state).Error
}

func (s *GormStore) CreateScheduledSends(ctx context.Context, sends []models.ScheduledSend) error {
	if len(sends) == 0 {
		return nil
	}
	for i := range sends {
		if sends[i].Status == "" {
			sends[i].Status = models.SendStatusScheduled
		}
	}
	return s.db(ctx).Create(&sends).Error
}

func (s *GormStore) scheduledQuery(ctx context.Context, filter ScheduledSendFilter) *gorm.DB {
	q := s.db(ctx).Model(&models.ScheduledSend{})
	if filter.SenderID != 0 {
		q = q.Where("sender_id = ?", filter.SenderID)
	}
	if filter.CampaignID != 0 {
		q = q.Where("campaign_id = ?", filter.CampaignID)
	}
	if filter.WithoutCampaign {
		q = q.Where("campaign_id IS NULL")
	}
	if filter.ProspectID != 0 {
		q = q.Where("prospect_id = ?", filter.ProspectID)
	}
	if filter.StepNumber != 0 {
		q = q.Where("step_number = ?", filter.StepNumber)
	}
	if len(filter.Kinds) > 0 {
		q = q.Where("kind IN ?", filter.Kinds)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.DueBy.IsZero() {
		q = q.Where("scheduled_for <= ?", filter.DueBy)
	}
	return q
}

func (s *GormStore) ListScheduledSends(ctx context.Context, filter ScheduledSendFilter) ([]models.ScheduledSend, error) {
	q := s.scheduledQuery(ctx, filter).Order("scheduled_for ASC, id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var sends []models.ScheduledSend
	if err := q.Find(&sends).Error; err != nil {
		return nil, err
	}
	return sends, nil
}

func (s *GormStore) MarkScheduledSendSent(ctx context.Context, id uint, at time.Time) error {
	return s.db(ctx).Model(&models.ScheduledSend{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     models.SendStatusSent,
		"sent_at":    at,
		"last_error": nil,
	}).Error
}

func (s *GormStore) MarkScheduledSendFailed(ctx context.Context, id uint, msg string) error {
	return s.db(ctx).Model(&models.ScheduledSend{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": msg,
	}).Error
}

func (s *GormStore) RescheduleSend(ctx context.Context, id uint, at time.Time) error {
	return s.db(ctx).Model(&models.ScheduledSend{}).Where("id = ?", id).Update("scheduled_for", at).Error
}

func (s *GormStore) CancelScheduledSends(ctx context.Context, filter ScheduledSendFilter) (int64, error) {
	filter.Status = models.SendStatusScheduled
	filter.Limit = 0
	res := s.scheduledQuery(ctx, filter).Update("status", models.SendStatusCancelled)
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpsertLeadScore(ctx context.Context, score *models.LeadScore) error {
	score.Email = strings.ToLower(strings.TrimSpace(score.Email))
	return s.db(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "score", "qualification", "reasons", "buying_signals", "red_flags",
			"suggested_approach", "estimated_budget", "decision_maker_level", "urgency",
			"personalized_message", "fallback", "scored_at",
		}),
	}).Create(score).Error
}

func (s *GormStore) GetLeadScore(ctx context.Context, email string) (*models.LeadScore, error) {
	var score models.LeadScore
	if err := s.db(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&score).Error; err != nil {
		return nil, notFound(err)
	}
	return &score, nil
}

func (s *GormStore) ListLeadScores(ctx context.Context, emails []string) ([]models.LeadScore, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	normalized := make([]string, len(emails))
	for i, e := range emails {
		normalized[i] = strings.ToLower(strings.TrimSpace(e))
	}
	var scores []models.LeadScore
	if err := s.db(ctx).Where("email IN ?", normalized).Find(&scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}

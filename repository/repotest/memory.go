// Package repotest provides an in-memory repository.Store for tests.
package repotest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"replypilot/models"
	"replypilot/repository"
)

// MemoryStore keeps every table in maps guarded by one mutex. Returned
// records are copies.
type MemoryStore struct {
	mu  sync.Mutex
	Now func() time.Time

	nextID       uint
	senders      map[uint]models.Sender
	campaigns    map[uint]models.Campaign
	steps        map[uint][]models.SequenceStep
	prospects    map[uint]models.Prospect
	interactions []models.Interaction
	warmup       map[uint]models.WarmupState
	sends        map[uint]models.ScheduledSend
	scores       map[string]models.LeadScore
}

var _ repository.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:       time.Now,
		senders:   map[uint]models.Sender{},
		campaigns: map[uint]models.Campaign{},
		steps:     map[uint][]models.SequenceStep{},
		prospects: map[uint]models.Prospect{},
		warmup:    map[uint]models.WarmupState{},
		sends:     map[uint]models.ScheduledSend{},
		scores:    map[string]models.LeadScore{},
	}
}

func (m *MemoryStore) id() uint {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) stamp(model *gorm.Model) {
	if model.ID == 0 {
		model.ID = m.id()
	}
	now := m.Now()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
}

func (m *MemoryStore) Transaction(ctx context.Context, fn func(repository.Store) error) error {
	return fn(m)
}

// AddSender stores a sender as-is, assigning an id when missing.
func (m *MemoryStore) AddSender(sender *models.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&sender.Model)
	if sender.AutomationStatus == "" {
		sender.AutomationStatus = models.AutomationPaused
	}
	m.senders[sender.ID] = *sender
}

func (m *MemoryStore) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ListSenders(ctx context.Context, automationStatus string) ([]models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sender
	for _, s := range m.senders {
		if automationStatus == "" || s.AutomationStatus == automationStatus {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetSenderAutomation(ctx context.Context, id uint, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.AutomationStatus = status
	m.senders[id] = s
	return nil
}

func (m *MemoryStore) RecordSenderError(ctx context.Context, id uint, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.LastError = &msg
	s.LastTestedAt = &at
	m.senders[id] = s
	return nil
}

func (m *MemoryStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&campaign.Model)
	if campaign.Status == "" {
		campaign.Status = models.CampaignDraft
	}
	for i := range campaign.Steps {
		m.stamp(&campaign.Steps[i].Model)
		campaign.Steps[i].CampaignID = campaign.ID
	}
	m.steps[campaign.ID] = append([]models.SequenceStep(nil), campaign.Steps...)
	for i := range campaign.Prospects {
		p := &campaign.Prospects[i]
		m.stamp(&p.Model)
		p.CampaignID = campaign.ID
		if p.Status == "" {
			p.Status = models.ProspectNew
		}
		m.prospects[p.ID] = *p
	}
	stored := *campaign
	stored.Steps = nil
	stored.Prospects = nil
	m.campaigns[campaign.ID] = stored
	return nil
}

func (m *MemoryStore) withSteps(c models.Campaign) models.Campaign {
	steps := append([]models.SequenceStep(nil), m.steps[c.ID]...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	c.Steps = steps
	return c
}

func (m *MemoryStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c = m.withSteps(c)
	return &c, nil
}

func (m *MemoryStore) ListCampaigns(ctx context.Context, status string) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Campaign
	for _, c := range m.campaigns {
		if status == "" || c.Status == status {
			out = append(out, m.withSteps(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetCampaignStatus(ctx context.Context, id uint, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	if status == models.CampaignActive && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if status == models.CampaignCompleted {
		c.CompletedAt = &at
	}
	m.campaigns[id] = c
	return nil
}

func (m *MemoryStore) CreateProspects(ctx context.Context, prospects []models.Prospect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range prospects {
		p := &prospects[i]
		m.stamp(&p.Model)
		p.Email = strings.ToLower(strings.TrimSpace(p.Email))
		if p.Status == "" {
			p.Status = models.ProspectNew
		}
		m.prospects[p.ID] = *p
	}
	return nil
}

func (m *MemoryStore) GetProspect(ctx context.Context, id uint) (*models.Prospect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListProspects(ctx context.Context, campaignID uint, status string) ([]models.Prospect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Prospect
	for _, p := range m.prospects {
		if p.CampaignID == campaignID && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindProspectByEmail(ctx context.Context, senderID uint, email string) (*models.Prospect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	var found *models.Prospect
	for _, p := range m.prospects {
		c, ok := m.campaigns[p.CampaignID]
		if !ok || c.SenderID != senderID || strings.ToLower(p.Email) != email {
			continue
		}
		if found == nil || p.ID > found.ID {
			cp := p
			found = &cp
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (m *MemoryStore) MarkProspectContacted(ctx context.Context, id uint, step int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = models.ProspectContacted
	p.LastStepSent = step
	if p.ContactedAt == nil {
		p.ContactedAt = &at
	}
	m.prospects[id] = p
	return nil
}

func (m *MemoryStore) SetProspectStatus(ctx context.Context, id uint, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	m.prospects[id] = p
	return nil
}

func (m *MemoryStore) CreateInteraction(ctx context.Context, interaction *models.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	interaction.ID = m.id()
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = m.Now()
	}
	m.interactions = append(m.interactions, *interaction)
	return nil
}

func matchesInteraction(i models.Interaction, f repository.InteractionFilter) bool {
	if f.SenderID != 0 && i.SenderID != f.SenderID {
		return false
	}
	if f.ProspectID != 0 && (i.ProspectID == nil || *i.ProspectID != f.ProspectID) {
		return false
	}
	if f.ThreadID != "" && i.ThreadID != f.ThreadID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, i.Type) {
		return false
	}
	if !f.Since.IsZero() && i.CreatedAt.Before(f.Since) {
		return false
	}
	if f.Automated != nil && i.Automated != *f.Automated {
		return false
	}
	return true
}

func (m *MemoryStore) CountInteractions(ctx context.Context, filter repository.InteractionFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, i := range m.interactions {
		if matchesInteraction(i, filter) {
			n++
		}
	}
	return n, nil
}

// Interactions returns a copy of the log, optionally narrowed to types.
func (m *MemoryStore) Interactions(types ...string) []models.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Interaction
	for _, i := range m.interactions {
		if len(types) == 0 || contains(types, i.Type) {
			out = append(out, i)
		}
	}
	return out
}

func (m *MemoryStore) GetWarmupState(ctx context.Context, senderID uint) (*models.WarmupState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.warmup[senderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) SaveWarmupState(ctx context.Context, state *models.WarmupState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&state.Model)
	m.warmup[state.SenderID] = *state
	return nil
}

func (m *MemoryStore) CreateScheduledSends(ctx context.Context, sends []models.ScheduledSend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range sends {
		m.stamp(&sends[i].Model)
		if sends[i].Status == "" {
			sends[i].Status = models.SendStatusScheduled
		}
		m.sends[sends[i].ID] = sends[i]
	}
	return nil
}

func matchesSend(s models.ScheduledSend, f repository.ScheduledSendFilter) bool {
	if f.SenderID != 0 && s.SenderID != f.SenderID {
		return false
	}
	if f.CampaignID != 0 && (s.CampaignID == nil || *s.CampaignID != f.CampaignID) {
		return false
	}
	if f.WithoutCampaign && s.CampaignID != nil {
		return false
	}
	if f.ProspectID != 0 && (s.ProspectID == nil || *s.ProspectID != f.ProspectID) {
		return false
	}
	if f.StepNumber != 0 && s.StepNumber != f.StepNumber {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, s.Kind) {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.DueBy.IsZero() && s.ScheduledFor.After(f.DueBy) {
		return false
	}
	return true
}

func (m *MemoryStore) ListScheduledSends(ctx context.Context, filter repository.ScheduledSendFilter) ([]models.ScheduledSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledSend
	for _, s := range m.sends {
		if matchesSend(s, filter) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) updateSend(id uint, fn func(*models.ScheduledSend)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sends[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&s)
	m.sends[id] = s
	return nil
}

func (m *MemoryStore) MarkScheduledSendSent(ctx context.Context, id uint, at time.Time) error {
	return m.updateSend(id, func(s *models.ScheduledSend) {
		s.Status = models.SendStatusSent
		s.SentAt = &at
		s.LastError = nil
	})
}

func (m *MemoryStore) MarkScheduledSendFailed(ctx context.Context, id uint, msg string) error {
	return m.updateSend(id, func(s *models.ScheduledSend) {
		s.Attempts++
		s.LastError = &msg
	})
}

func (m *MemoryStore) RescheduleSend(ctx context.Context, id uint, at time.Time) error {
	return m.updateSend(id, func(s *models.ScheduledSend) {
		s.ScheduledFor = at
	})
}

func (m *MemoryStore) CancelScheduledSends(ctx context.Context, filter repository.ScheduledSendFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter.Status = models.SendStatusScheduled
	var n int64
	for id, s := range m.sends {
		if matchesSend(s, filter) {
			s.Status = models.SendStatusCancelled
			m.sends[id] = s
			n++
		}
	}
	return n, nil
}

// ScheduledSends returns every stored ticket ordered by id.
func (m *MemoryStore) ScheduledSends() []models.ScheduledSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ScheduledSend, 0, len(m.sends))
	for _, s := range m.sends {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) UpsertLeadScore(ctx context.Context, score *models.LeadScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	score.Email = strings.ToLower(strings.TrimSpace(score.Email))
	now := m.Now()
	if existing, ok := m.scores[score.Email]; ok {
		score.ID = existing.ID
		score.CreatedAt = existing.CreatedAt
	} else {
		score.ID = m.id()
		score.CreatedAt = now
	}
	score.UpdatedAt = now
	m.scores[score.Email] = *score
	return nil
}

func (m *MemoryStore) GetLeadScore(ctx context.Context, email string) (*models.LeadScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ListLeadScores(ctx context.Context, emails []string) ([]models.LeadScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LeadScore
	for _, e := range emails {
		if s, ok := m.scores[strings.ToLower(strings.TrimSpace(e))]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

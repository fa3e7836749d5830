// Package leadscore qualifies prospects with a single structured
// completion call.
package leadscore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/completion"
	"replypilot/metrics"
	"replypilot/models"
	"replypilot/repository"
)

// DefaultScore is returned whenever the completion output is unusable.
const DefaultScore = 50

// Lead is what the scorer knows about a person.
type Lead struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Title     string `json:"title"`
	Industry  string `json:"industry"`
	Website   string `json:"website"`
	Notes     string `json:"notes"`
}

func FromProspect(p *models.Prospect) Lead {
	return Lead{
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Company:   p.Company,
		Title:     p.Title,
		Industry:  p.Industry,
		Website:   p.Website,
	}
}

// assessment is the completion's answer, validated before use.
type assessment struct {
	OverallScore        *int     `json:"overallScore" validate:"required,min=0,max=100"`
	Qualification       string   `json:"qualification" validate:"required,oneof=hot warm cold"`
	Reasons             []string `json:"reasons"`
	BuyingSignals       []string `json:"buyingSignals"`
	RedFlags            []string `json:"redFlags"`
	SuggestedApproach   string   `json:"suggestedApproach"`
	EstimatedBudget     string   `json:"estimatedBudget"`
	DecisionMakerLevel  string   `json:"decisionMakerLevel"`
	Urgency             string   `json:"urgency"`
	PersonalizedMessage string   `json:"personalizedMessage"`
}

func (a *assessment) Normalize() {
	a.Qualification = strings.ToLower(strings.TrimSpace(a.Qualification))
}

type Scorer struct {
	client  completion.Client
	store   repository.Store
	timeout time.Duration
	now     func() time.Time
	log     *logrus.Entry
}

func NewScorer(client completion.Client, store repository.Store, timeout time.Duration, log *logrus.Entry) *Scorer {
	return &Scorer{client: client, store: store, timeout: timeout, now: time.Now, log: log}
}

// Default is the neutral result used when scoring fails.
func Default(email string, at time.Time) *models.LeadScore {
	return &models.LeadScore{
		Email:             strings.ToLower(strings.TrimSpace(email)),
		Score:             DefaultScore,
		Qualification:     models.QualificationWarm,
		Reasons:           []string{"automatic scoring unavailable"},
		BuyingSignals:     []string{},
		RedFlags:          []string{},
		SuggestedApproach: "Standard outreach sequence",
		Urgency:           "medium",
		Fallback:          true,
		ScoredAt:          at,
	}
}

// Score always returns a result. The result is stored when a store is
// configured; a storage failure is logged and does not change the result.
func (s *Scorer) Score(ctx context.Context, lead Lead) *models.LeadScore {
	result := s.assess(ctx, lead)
	if s.store != nil {
		if err := s.store.UpsertLeadScore(ctx, result); err != nil {
			s.log.WithError(err).WithField("email", result.Email).Error("Failed to store lead score")
		}
	}
	return result
}

// ScoreProspects scores each prospect in turn.
func (s *Scorer) ScoreProspects(ctx context.Context, prospects []models.Prospect) []*models.LeadScore {
	out := make([]*models.LeadScore, 0, len(prospects))
	for i := range prospects {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.Score(ctx, FromProspect(&prospects[i])))
	}
	return out
}

func (s *Scorer) assess(ctx context.Context, lead Lead) *models.LeadScore {
	now := s.now()
	log := s.log.WithField("email", lead.Email)

	text, err := s.client.Complete(ctx, completion.Request{
		Prompt:            prompt(lead),
		SystemInstruction: "You qualify B2B sales leads. Answer with a single JSON object and nothing else.",
		Temperature:       0.2,
		MaxTokens:         600,
		Timeout:           s.timeout,
	})
	var a assessment
	if err == nil {
		err = completion.ParseJSON(text, &a)
	}
	if err != nil {
		log.WithError(err).Warn("Lead scoring failed, using neutral default")
		metrics.CompletionFallbacks.WithLabelValues("lead_score").Inc()
		return Default(lead.Email, now)
	}

	return &models.LeadScore{
		Email:               strings.ToLower(strings.TrimSpace(lead.Email)),
		Score:               *a.OverallScore,
		Qualification:       a.Qualification,
		Reasons:             nonNil(a.Reasons),
		BuyingSignals:       nonNil(a.BuyingSignals),
		RedFlags:            nonNil(a.RedFlags),
		SuggestedApproach:   a.SuggestedApproach,
		EstimatedBudget:     a.EstimatedBudget,
		DecisionMakerLevel:  a.DecisionMakerLevel,
		Urgency:             a.Urgency,
		PersonalizedMessage: a.PersonalizedMessage,
		ScoredAt:            now,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func prompt(lead Lead) string {
	var b strings.Builder
	b.WriteString("Score this sales lead from 0 to 100 and qualify it as hot, warm or cold.\n\n")
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}
	field("Email", lead.Email)
	field("Name", strings.TrimSpace(lead.FirstName+" "+lead.LastName))
	field("Company", lead.Company)
	field("Title", lead.Title)
	field("Industry", lead.Industry)
	field("Website", lead.Website)
	field("Notes", lead.Notes)
	b.WriteString(`
Return JSON with: "overallScore" (integer 0-100), "qualification" (hot|warm|cold), "reasons", "buyingSignals", "redFlags" (lists of strings), "suggestedApproach", "estimatedBudget", "decisionMakerLevel", "urgency" (low|medium|high), "personalizedMessage".`)
	return b.String()
}

package warmup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/models"
	"replypilot/repository"
)

// Allowance is a snapshot of an account's budget for the current day.
type Allowance struct {
	SenderID  uint   `json:"sender_id"`
	Days      int    `json:"days_active"`
	Phase     string `json:"phase"`
	Status    string `json:"status"`
	Cap       int    `json:"cap"`
	SentToday int    `json:"sent_today"`
	Remaining int    `json:"remaining"`
}

// Tracker derives allowances from the interaction log, so concurrent
// runs and restarts all see the same count.
type Tracker struct {
	store  repository.Store
	policy Policy
	loc    *time.Location
	now    func() time.Time
	log    *logrus.Entry
}

func NewTracker(store repository.Store, policy Policy, loc *time.Location, now func() time.Time, log *logrus.Entry) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, policy: policy, loc: loc, now: now, log: log}
}

func (t *Tracker) Policy() Policy { return t.policy }

// DaysActive counts whole days elapsed since start.
func DaysActive(start, now time.Time) int {
	if now.Before(start) {
		return 0
	}
	return int(now.Sub(start).Hours() / 24)
}

// StartOfDay is local midnight of now in loc.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Allowance reads today's remaining budget. It writes nothing. An account
// without a stored state is treated as connected today.
func (t *Tracker) Allowance(ctx context.Context, sender *models.Sender) (Allowance, error) {
	now := t.now()
	state, err := t.store.GetWarmupState(ctx, sender.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		state = &models.WarmupState{SenderID: sender.ID, StartDate: now, Phase: models.WarmupInitializing, Status: models.WarmupActive}
	case err != nil:
		return Allowance{}, fmt.Errorf("load warmup state: %w", err)
	}

	days := DaysActive(state.StartDate, now)
	// A stored phase that lags the account's age is read as the age phase.
	phase := state.Phase
	if byAge := t.policy.PhaseFor(days); phaseRank(byAge) > phaseRank(phase) {
		phase = byAge
	}
	a := Allowance{
		SenderID: sender.ID,
		Days:     days,
		Phase:    phase,
		Status:   state.Status,
		Cap:      t.policy.Cap(days, phase, sender.DailyLimit),
	}

	sent, err := t.store.CountInteractions(ctx, repository.InteractionFilter{
		SenderID: sender.ID,
		Types:    []string{models.InteractionEmailSent},
		Since:    StartOfDay(now, sender.Location(t.loc)),
	})
	if err != nil {
		return Allowance{}, err
	}
	a.SentToday = int(sent)

	if state.Status == models.WarmupPaused {
		return a, nil
	}
	if a.SentToday < a.Cap {
		a.Remaining = a.Cap - a.SentToday
	}
	return a, nil
}

// EnsureState creates the account's warmup state on first connection.
func (t *Tracker) EnsureState(ctx context.Context, senderID uint) (*models.WarmupState, error) {
	state, err := t.store.GetWarmupState(ctx, senderID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	state = &models.WarmupState{
		SenderID:  senderID,
		StartDate: t.now(),
		Phase:     models.WarmupInitializing,
		Status:    models.WarmupActive,
	}
	if err := t.store.SaveWarmupState(ctx, state); err != nil {
		return nil, fmt.Errorf("create warmup state: %w", err)
	}
	t.log.WithField("sender_id", senderID).Info("Warmup started")
	return state, nil
}

// SyncPhase advances the stored phase to match the account's age. The
// phase never moves backwards.
func (t *Tracker) SyncPhase(ctx context.Context, senderID uint) (*models.WarmupState, error) {
	state, err := t.EnsureState(ctx, senderID)
	if err != nil {
		return nil, err
	}
	next := t.policy.PhaseFor(DaysActive(state.StartDate, t.now()))
	if phaseRank(next) <= phaseRank(state.Phase) {
		return state, nil
	}

	t.log.WithFields(logrus.Fields{
		"sender_id": senderID,
		"from":      state.Phase,
		"to":        next,
	}).Info("Warmup phase advanced")
	state.Phase = next
	if err := t.store.SaveWarmupState(ctx, state); err != nil {
		return nil, fmt.Errorf("save warmup phase: %w", err)
	}
	return state, nil
}

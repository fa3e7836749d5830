// Package launch enrolls a campaign's prospects and sends its first step
// within the account's daily allowance.
package launch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"replypilot/events"
	"replypilot/lock"
	"replypilot/mailbox"
	"replypilot/metrics"
	"replypilot/models"
	"replypilot/repository"
	"replypilot/services/warmup"
)

const (
	ProgressSent   = "sent"
	ProgressFailed = "failed"
	ProgressQueued = "queued"
)

type Result struct {
	CampaignID uint `json:"campaign_id"`
	Total      int  `json:"total"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Queued     int  `json:"queued"`
	Allowance  int  `json:"allowance"`
}

// Progress is reported after every prospect is handled.
type Progress struct {
	CampaignID uint   `json:"campaign_id"`
	Email      string `json:"email"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
}

type ProgressReporter interface {
	Report(p Progress)
}

type Options struct {
	Store        repository.Store
	Connector    mailbox.Connector
	Tracker      *warmup.Tracker
	Locker       lock.Locker
	Publisher    events.Publisher
	Progress     ProgressReporter
	Personalizer Personalizer
	SendDelay    time.Duration
	Location     *time.Location
	Now          func() time.Time
	Log          *logrus.Entry
}

type Orchestrator struct {
	Options
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	return &Orchestrator{Options: opts}
}

type pending struct {
	prospect models.Prospect
	email    mailbox.Email
}

// Launch sends step one to as many new prospects as today's allowance
// permits and schedules the rest for tomorrow. Individual send failures
// are counted, never returned.
func (o *Orchestrator) Launch(ctx context.Context, campaignID uint) (*Result, error) {
	log := o.Log.WithField("campaign_id", campaignID)

	campaign, err := o.Store.GetCampaign(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Resource: "campaign", ID: campaignID}
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status == models.CampaignCompleted {
		return nil, ErrCampaignCompleted
	}
	if len(campaign.Steps) == 0 || campaign.Steps[0].StepNumber != 1 {
		return nil, &NotFoundError{Resource: "sequence step 1 of campaign", ID: campaignID}
	}

	prospects, err := o.enrollable(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	if len(prospects) == 0 {
		return nil, ErrNoProspects
	}

	sender, err := o.Store.GetSender(ctx, campaign.SenderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &mailbox.ProviderNotConnectedError{SenderID: campaign.SenderID, Reason: "sender account not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}
	adapter, err := o.Connector.Connect(ctx, sender)
	if err != nil {
		return nil, err
	}

	unlock, err := o.Locker.Lock(ctx, lock.AccountKey(sender.ID), o.lockTTL(len(prospects)))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := o.Tracker.EnsureState(ctx, sender.ID); err != nil {
		return nil, err
	}
	allowance, err := o.Tracker.Allowance(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("compute allowance: %w", err)
	}

	result := &Result{CampaignID: campaign.ID, Total: len(prospects), Allowance: allowance.Remaining}
	log = log.WithFields(logrus.Fields{"sender_id": sender.ID, "prospects": len(prospects), "allowance": allowance.Remaining})
	log.Info("Launching campaign")

	step := campaign.Steps[0]
	var valid []pending
	for _, p := range o.rank(ctx, prospects) {
		if err := checkmail.ValidateFormat(p.Email); err != nil {
			result.Failed++
			o.failed(ctx, campaign, p, fmt.Errorf("invalid email address: %w", err), result)
			continue
		}
		valid = append(valid, pending{prospect: p, email: o.Personalizer.Step(step, &p)})
	}

	cut := min(len(valid), allowance.Remaining)
	toSend, overflow := valid[:cut], valid[cut:]

	emails := make([]mailbox.Email, len(toSend))
	for i, item := range toSend {
		emails[i] = item.email
	}
	mailbox.BulkSend(ctx, adapter, emails, o.SendDelay, func(i int, res mailbox.SendResult) {
		item := toSend[i]
		if !res.Success {
			result.Failed++
			o.failed(ctx, campaign, item.prospect, errors.New(res.Error), result)
			return
		}
		result.Sent++
		o.sent(ctx, campaign, item, res, result)
	})

	if len(overflow) > 0 {
		if err := o.queueOverflow(ctx, campaign, overflow); err != nil {
			// Nothing was queued, so these are failures, not silent drops.
			log.WithError(err).Error("Failed to queue overflow prospects")
			for _, item := range overflow {
				result.Failed++
				o.failed(ctx, campaign, item.prospect, err, result)
			}
		} else {
			for _, item := range overflow {
				result.Queued++
				o.report(campaign.ID, item.prospect.Email, ProgressQueued, "", result)
			}
		}
	}

	if err := o.Store.SetCampaignStatus(ctx, campaign.ID, models.CampaignActive, o.Now()); err != nil {
		log.WithError(err).Error("Failed to activate campaign")
	}

	log.WithFields(logrus.Fields{
		"sent":   result.Sent,
		"failed": result.Failed,
		"queued": result.Queued,
	}).Info("Campaign launch finished")
	return result, nil
}

// enrollable returns new prospects that are not already waiting in the
// overflow queue from an earlier launch.
func (o *Orchestrator) enrollable(ctx context.Context, campaignID uint) ([]models.Prospect, error) {
	prospects, err := o.Store.ListProspects(ctx, campaignID, models.ProspectNew)
	if err != nil {
		return nil, fmt.Errorf("load prospects: %w", err)
	}
	queued, err := o.Store.ListScheduledSends(ctx, repository.ScheduledSendFilter{
		CampaignID: campaignID,
		Kinds:      []string{models.SendKindInitial},
		Status:     models.SendStatusScheduled,
	})
	if err != nil {
		return nil, fmt.Errorf("load queued sends: %w", err)
	}
	if len(queued) == 0 {
		return prospects, nil
	}
	waiting := make(map[uint]bool, len(queued))
	for _, s := range queued {
		if s.ProspectID != nil {
			waiting[*s.ProspectID] = true
		}
	}
	out := prospects[:0]
	for _, p := range prospects {
		if !waiting[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// rank puts scored prospects first, highest score first, and keeps
// insertion order otherwise.
func (o *Orchestrator) rank(ctx context.Context, prospects []models.Prospect) []models.Prospect {
	emails := make([]string, len(prospects))
	for i, p := range prospects {
		emails[i] = p.Email
	}
	scores, err := o.Store.ListLeadScores(ctx, emails)
	if err != nil {
		o.Log.WithError(err).Warn("Lead scores unavailable, keeping insertion order")
		return prospects
	}
	if len(scores) == 0 {
		return prospects
	}
	byEmail := make(map[string]int, len(scores))
	for _, s := range scores {
		byEmail[strings.ToLower(s.Email)] = s.Score
	}

	ranked := append([]models.Prospect(nil), prospects...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, iok := byEmail[strings.ToLower(ranked[i].Email)]
		sj, jok := byEmail[strings.ToLower(ranked[j].Email)]
		if iok != jok {
			return iok
		}
		return si > sj
	})
	return ranked
}

func (o *Orchestrator) sent(ctx context.Context, campaign *models.Campaign, item pending, res mailbox.SendResult, result *Result) {
	now := o.Now()
	metrics.EmailsSent.WithLabelValues("launch").Inc()
	if err := RecordFirstTouch(ctx, o.Store, campaign, &item.prospect, item.email, res, now); err != nil {
		o.Log.WithError(err).WithField("prospect_id", item.prospect.ID).Error("Sent email could not be recorded")
	}
	o.publish(ctx, events.Event{
		Type: events.EmailSent, Source: "launch", SenderID: campaign.SenderID, CampaignID: campaign.ID,
		ProspectID: item.prospect.ID, To: item.prospect.Email, StepNumber: 1, MessageID: res.MessageID, At: now,
	})
	o.report(campaign.ID, item.prospect.Email, ProgressSent, "", result)
}

func (o *Orchestrator) failed(ctx context.Context, campaign *models.Campaign, p models.Prospect, cause error, result *Result) {
	metrics.EmailsFailed.WithLabelValues("launch").Inc()
	o.Log.WithError(cause).WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"prospect_id": p.ID,
	}).Warn("Initial email failed")
	o.publish(ctx, events.Event{
		Type: events.EmailFailed, Source: "launch", SenderID: campaign.SenderID, CampaignID: campaign.ID,
		ProspectID: p.ID, To: p.Email, StepNumber: 1, Error: cause.Error(), At: o.Now(),
	})
	o.report(campaign.ID, p.Email, ProgressFailed, cause.Error(), result)
}

// queueOverflow defers prospects beyond today's allowance to the same
// local time tomorrow.
func (o *Orchestrator) queueOverflow(ctx context.Context, campaign *models.Campaign, overflow []pending) error {
	tomorrow := o.Now().In(o.Location).AddDate(0, 0, 1)
	sends := make([]models.ScheduledSend, len(overflow))
	for i := range overflow {
		item := &overflow[i]
		sends[i] = models.ScheduledSend{
			SenderID:     campaign.SenderID,
			CampaignID:   &campaign.ID,
			ProspectID:   &item.prospect.ID,
			StepNumber:   1,
			ToEmail:      item.prospect.Email,
			Subject:      item.email.Subject,
			Body:         item.email.Body,
			ScheduledFor: tomorrow,
			Kind:         models.SendKindInitial,
			Status:       models.SendStatusScheduled,
		}
	}
	if err := o.Store.CreateScheduledSends(ctx, sends); err != nil {
		return fmt.Errorf("queue overflow: %w", err)
	}
	metrics.SendsQueued.WithLabelValues(models.SendKindInitial).Add(float64(len(sends)))
	for _, s := range sends {
		o.publish(ctx, events.Event{
			Type: events.EmailQueued, Source: "launch", SenderID: s.SenderID, CampaignID: campaign.ID,
			ProspectID: *s.ProspectID, To: s.ToEmail, StepNumber: 1, Kind: s.Kind, At: s.ScheduledFor,
		})
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.Publisher.Publish(ctx, e); err != nil {
		o.Log.WithError(err).WithField("event", e.Type).Warn("Failed to publish event")
	}
}

func (o *Orchestrator) report(campaignID uint, email, status, errMsg string, result *Result) {
	if o.Progress == nil {
		return
	}
	o.Progress.Report(Progress{
		CampaignID: campaignID,
		Email:      email,
		Status:     status,
		Error:      errMsg,
		Done:       result.Sent + result.Failed + result.Queued,
		Total:      result.Total,
	})
}

// lockTTL covers the whole batch including the inter-send delays.
func (o *Orchestrator) lockTTL(n int) time.Duration {
	return lock.DefaultTTL + time.Duration(n)*o.SendDelay
}

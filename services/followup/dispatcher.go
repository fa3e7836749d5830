// Package followup sends due sequence steps and delivers due scheduled
// sends, drawing from each account's daily allowance.
package followup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/events"
	"replypilot/lock"
	"replypilot/mailbox"
	"replypilot/metrics"
	"replypilot/models"
	"replypilot/repository"
	"replypilot/services/launch"
	"replypilot/services/warmup"
)

const (
	DefaultQueuedResponseDelay = 30 * time.Minute
	// MaxAttempts bounds retries of one scheduled send.
	MaxAttempts = 3
)

type Options struct {
	Store        repository.Store
	Connector    mailbox.Connector
	Tracker      *warmup.Tracker
	Locker       lock.Locker
	Publisher    events.Publisher
	Personalizer launch.Personalizer
	SendDelay    time.Duration
	// QueuedResponseDelay pushes back queued replies that fall due outside
	// business hours.
	QueuedResponseDelay time.Duration
	Location            *time.Location
	Now                 func() time.Time
	Log                 *logrus.Entry
}

type Dispatcher struct {
	Options
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.QueuedResponseDelay <= 0 {
		opts.QueuedResponseDelay = DefaultQueuedResponseDelay
	}
	return &Dispatcher{Options: opts}
}

// Result summarizes one pass.
type Result struct {
	Accounts    int `json:"accounts"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Rescheduled int `json:"rescheduled"`
	Completed   int `json:"completed"`
}

// account is the per-run state of one sending account. budget is read
// once per run and decremented locally after every send.
type account struct {
	sender  *models.Sender
	adapter mailbox.Adapter
	budget  int
	sends   int
	log     *logrus.Entry
}

// Run performs one dispatcher pass over every account that has an active
// campaign or a due scheduled send. Account failures are logged and the
// pass moves on to the next account.
func (d *Dispatcher) Run(ctx context.Context) (*Result, error) {
	metrics.FollowUpRuns.Inc()
	now := d.Now()

	campaigns, err := d.Store.ListCampaigns(ctx, models.CampaignActive)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	due, err := d.Store.ListScheduledSends(ctx, repository.ScheduledSendFilter{
		Status: models.SendStatusScheduled,
		DueBy:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("list due sends: %w", err)
	}

	bySender := map[uint][]models.Campaign{}
	for _, c := range campaigns {
		bySender[c.SenderID] = append(bySender[c.SenderID], c)
	}
	for _, s := range due {
		if _, ok := bySender[s.SenderID]; !ok {
			bySender[s.SenderID] = nil
		}
	}
	senderIDs := make([]uint, 0, len(bySender))
	for id := range bySender {
		senderIDs = append(senderIDs, id)
	}
	sort.Slice(senderIDs, func(i, j int) bool { return senderIDs[i] < senderIDs[j] })

	result := &Result{}
	for _, id := range senderIDs {
		if ctx.Err() != nil {
			break
		}
		result.Accounts++
		if err := d.runAccount(ctx, id, bySender[id], result); err != nil {
			d.Log.WithError(err).WithField("sender_id", id).Error("Follow-up pass failed for account")
		}
	}

	d.Log.WithFields(logrus.Fields{
		"accounts":    result.Accounts,
		"sent":        result.Sent,
		"failed":      result.Failed,
		"cancelled":   result.Cancelled,
		"rescheduled": result.Rescheduled,
	}).Info("Follow-up pass finished")
	return result, nil
}

func (d *Dispatcher) runAccount(ctx context.Context, senderID uint, campaigns []models.Campaign, result *Result) error {
	log := d.Log.WithField("sender_id", senderID)
	sender, err := d.Store.GetSender(ctx, senderID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	adapter, err := d.Connector.Connect(ctx, sender)
	if err != nil {
		if rerr := d.Store.RecordSenderError(ctx, sender.ID, err.Error(), d.Now()); rerr != nil {
			log.WithError(rerr).Warn("Failed to record sender error")
		}
		return err
	}

	unlock, err := d.Locker.Lock(ctx, lock.AccountKey(sender.ID), lock.DefaultTTL)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := d.Tracker.SyncPhase(ctx, sender.ID); err != nil {
		return fmt.Errorf("sync warmup phase: %w", err)
	}
	allowance, err := d.Tracker.Allowance(ctx, sender)
	if err != nil {
		return fmt.Errorf("compute allowance: %w", err)
	}
	acct := &account{sender: sender, adapter: adapter, budget: allowance.Remaining, log: log}
	log.WithField("allowance", acct.budget).Debug("Dispatching follow-ups")

	for i := range campaigns {
		if err := d.campaignSteps(ctx, acct, &campaigns[i], result); err != nil {
			log.WithError(err).WithField("campaign_id", campaigns[i].ID).Error("Campaign follow-ups failed")
		}
	}
	return d.deliverDue(ctx, acct, result)
}

// campaignSteps sends every due step after the first. Each prospect gets
// at most one step per pass.
func (d *Dispatcher) campaignSteps(ctx context.Context, acct *account, campaign *models.Campaign, result *Result) error {
	prospects, err := d.Store.ListProspects(ctx, campaign.ID, models.ProspectContacted)
	if err != nil {
		return fmt.Errorf("list contacted prospects: %w", err)
	}
	rows, err := d.Store.ListScheduledSends(ctx, repository.ScheduledSendFilter{
		CampaignID: campaign.ID,
		Kinds:      []string{models.SendKindFollowUp},
		Status:     models.SendStatusScheduled,
	})
	if err != nil {
		return fmt.Errorf("list scheduled follow-ups: %w", err)
	}
	type key struct {
		prospect uint
		step     int
	}
	byKey := make(map[key]*models.ScheduledSend, len(rows))
	for i := range rows {
		if rows[i].ProspectID != nil {
			byKey[key{*rows[i].ProspectID, rows[i].StepNumber}] = &rows[i]
		}
	}

	now := d.Now()
	touched := map[uint]bool{}
	for _, step := range campaign.Steps {
		if step.StepNumber <= 1 {
			continue
		}
		for i := range prospects {
			p := &prospects[i]
			if touched[p.ID] || p.ContactedAt == nil || p.LastStepSent != step.StepNumber-1 {
				continue
			}
			if launch.DueAt(campaign.Steps, step.StepNumber, *p.ContactedAt).After(now) {
				continue
			}
			row := byKey[key{p.ID, step.StepNumber}]
			if row != nil && row.Attempts >= MaxAttempts {
				continue
			}
			replied, err := d.hasReplied(ctx, p)
			if err != nil {
				acct.log.WithError(err).WithField("prospect_id", p.ID).Warn("Reply check failed, skipping prospect")
				continue
			}
			if replied {
				touched[p.ID] = true
				d.cancelProspect(ctx, p.ID, result)
				continue
			}
			if acct.budget <= 0 {
				acct.log.WithField("campaign_id", campaign.ID).Info("Daily allowance exhausted")
				return nil
			}

			touched[p.ID] = true
			email := d.stepEmail(step, p, row)
			res, ok := d.send(ctx, acct, email, result)
			if !ok {
				if row == nil {
					row = d.retryRow(ctx, acct, campaign, p, step, email)
				}
				d.failed(ctx, acct, campaign.ID, p.ID, step.StepNumber, email, res, row)
				continue
			}
			err = d.Store.Transaction(ctx, func(tx repository.Store) error {
				if err := tx.MarkProspectContacted(ctx, p.ID, step.StepNumber, now); err != nil {
					return err
				}
				if err := tx.CreateInteraction(ctx, launch.SentInteraction(acct.sender.ID, &campaign.ID, &p.ID, step.StepNumber, email, res, d.Now(), false)); err != nil {
					return err
				}
				if row != nil {
					return tx.MarkScheduledSendSent(ctx, row.ID, d.Now())
				}
				return nil
			})
			if err != nil {
				acct.log.WithError(err).WithField("prospect_id", p.ID).Error("Sent follow-up could not be recorded")
			}
			d.sent(ctx, acct, campaign.ID, p.ID, step.StepNumber, models.SendKindFollowUp, email, res)
		}
	}
	return d.maybeComplete(ctx, campaign, result)
}

// retryRow stores a failed step that had no scheduled row, so its attempts
// are counted against MaxAttempts on later passes.
func (d *Dispatcher) retryRow(ctx context.Context, acct *account, campaign *models.Campaign, p *models.Prospect, step models.SequenceStep, email mailbox.Email) *models.ScheduledSend {
	rows := []models.ScheduledSend{{
		SenderID:     acct.sender.ID,
		CampaignID:   &campaign.ID,
		ProspectID:   &p.ID,
		StepNumber:   step.StepNumber,
		ToEmail:      p.Email,
		Subject:      launch.Render(step.Subject, p),
		Body:         launch.Render(step.Body, p),
		ThreadID:     email.ThreadID,
		InReplyTo:    email.InReplyTo,
		ScheduledFor: d.Now(),
		Kind:         models.SendKindFollowUp,
		Status:       models.SendStatusScheduled,
	}}
	if err := d.Store.CreateScheduledSends(ctx, rows); err != nil {
		acct.log.WithError(err).WithField("prospect_id", p.ID).Warn("Failed to store follow-up for retry")
		return nil
	}
	return &rows[0]
}

func (d *Dispatcher) stepEmail(step models.SequenceStep, p *models.Prospect, row *models.ScheduledSend) mailbox.Email {
	if row == nil {
		return d.Personalizer.Step(step, p)
	}
	email := d.Personalizer.Compose(row.ToEmail, p.FullName(), row.Subject, row.Body, p.ID)
	email.ThreadID = row.ThreadID
	email.InReplyTo = row.InReplyTo
	return email
}

func (d *Dispatcher) hasReplied(ctx context.Context, p *models.Prospect) (bool, error) {
	if p.Status == models.ProspectReplied {
		return true, nil
	}
	n, err := d.Store.CountInteractions(ctx, repository.InteractionFilter{
		ProspectID: p.ID,
		Types:      []string{models.InteractionEmailReplied},
	})
	return n > 0, err
}

func (d *Dispatcher) cancelProspect(ctx context.Context, prospectID uint, result *Result) {
	n, err := d.Store.CancelScheduledSends(ctx, repository.ScheduledSendFilter{ProspectID: prospectID})
	if err != nil {
		d.Log.WithError(err).WithField("prospect_id", prospectID).Warn("Failed to cancel scheduled sends")
		return
	}
	result.Cancelled += int(n)
}

// maybeComplete closes a campaign once every prospect has either replied
// or received the last step and nothing is left to deliver.
func (d *Dispatcher) maybeComplete(ctx context.Context, campaign *models.Campaign, result *Result) error {
	if len(campaign.Steps) == 0 {
		return nil
	}
	last := campaign.Steps[len(campaign.Steps)-1].StepNumber
	all, err := d.Store.ListProspects(ctx, campaign.ID, "")
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}
	for _, p := range all {
		switch {
		case p.Status == models.ProspectNew:
			return nil
		case p.Status == models.ProspectContacted && p.LastStepSent < last:
			return nil
		}
	}
	pending, err := d.Store.ListScheduledSends(ctx, repository.ScheduledSendFilter{
		CampaignID: campaign.ID,
		Status:     models.SendStatusScheduled,
		Limit:      1,
	})
	if err != nil || len(pending) > 0 {
		return err
	}
	if err := d.Store.SetCampaignStatus(ctx, campaign.ID, models.CampaignCompleted, d.Now()); err != nil {
		return err
	}
	result.Completed++
	d.Log.WithField("campaign_id", campaign.ID).Info("Campaign completed")
	return nil
}

// deliverDue sends due overflow rows, inbox follow-ups and queued replies.
// Campaign follow-up rows are handled by campaignSteps.
func (d *Dispatcher) deliverDue(ctx context.Context, acct *account, result *Result) error {
	now := d.Now()
	due, err := d.Store.ListScheduledSends(ctx, repository.ScheduledSendFilter{
		SenderID: acct.sender.ID,
		Kinds:    []string{models.SendKindInitial, models.SendKindQueuedResponse},
		Status:   models.SendStatusScheduled,
		DueBy:    now,
	})
	if err != nil {
		return fmt.Errorf("list due sends: %w", err)
	}
	loose, err := d.Store.ListScheduledSends(ctx, repository.ScheduledSendFilter{
		SenderID:        acct.sender.ID,
		Kinds:           []string{models.SendKindFollowUp},
		Status:          models.SendStatusScheduled,
		DueBy:           now,
		WithoutCampaign: true,
	})
	if err != nil {
		return fmt.Errorf("list due follow-ups: %w", err)
	}
	due = append(due, loose...)
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})

	campaigns := map[uint]*models.Campaign{}
	for i := range due {
		row := &due[i]
		if row.Attempts >= MaxAttempts {
			continue
		}
		if acct.budget <= 0 {
			acct.log.Info("Daily allowance exhausted, leaving scheduled sends for later")
			return nil
		}
		var err error
		switch row.Kind {
		case models.SendKindInitial:
			err = d.deliverInitial(ctx, acct, row, campaigns, result)
		case models.SendKindQueuedResponse:
			err = d.deliverQueuedResponse(ctx, acct, row, result)
		default:
			err = d.deliverLoose(ctx, acct, row, result)
		}
		if err != nil {
			acct.log.WithError(err).WithField("scheduled_send_id", row.ID).Error("Scheduled send failed")
		}
	}
	return nil
}

func (d *Dispatcher) deliverInitial(ctx context.Context, acct *account, row *models.ScheduledSend, campaigns map[uint]*models.Campaign, result *Result) error {
	if row.CampaignID == nil || row.ProspectID == nil {
		return d.deliverLoose(ctx, acct, row, result)
	}
	campaign, ok := campaigns[*row.CampaignID]
	if !ok {
		c, err := d.Store.GetCampaign(ctx, *row.CampaignID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		campaign = c
		campaigns[*row.CampaignID] = c
	}
	if campaign == nil || campaign.Status != models.CampaignActive {
		return nil
	}
	p, err := d.Store.GetProspect(ctx, *row.ProspectID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && p.Status != models.ProspectNew) {
		d.cancelProspectRow(ctx, row, result)
		return nil
	}
	if err != nil {
		return err
	}

	email := d.Personalizer.Compose(row.ToEmail, p.FullName(), row.Subject, row.Body, p.ID)
	res, ok := d.send(ctx, acct, email, result)
	if !ok {
		d.failed(ctx, acct, campaign.ID, p.ID, 1, email, res, row)
		return nil
	}
	if err := launch.RecordFirstTouch(ctx, d.Store, campaign, p, email, res, d.Now()); err != nil {
		acct.log.WithError(err).WithField("prospect_id", p.ID).Error("Sent email could not be recorded")
	}
	if err := d.Store.MarkScheduledSendSent(ctx, row.ID, d.Now()); err != nil {
		return err
	}
	d.sent(ctx, acct, campaign.ID, p.ID, 1, row.Kind, email, res)
	return nil
}

func (d *Dispatcher) deliverQueuedResponse(ctx context.Context, acct *account, row *models.ScheduledSend, result *Result) error {
	if !acct.sender.AutoReplyEnabled {
		return nil
	}
	now := d.Now()
	if !acct.sender.InBusinessHours(now, d.Location) {
		result.Rescheduled++
		return d.Store.RescheduleSend(ctx, row.ID, now.Add(d.QueuedResponseDelay))
	}
	return d.deliverLoose(ctx, acct, row, result)
}

// deliverLoose sends a row that is not tied to a campaign step.
func (d *Dispatcher) deliverLoose(ctx context.Context, acct *account, row *models.ScheduledSend, result *Result) error {
	if row.Kind == models.SendKindFollowUp && !acct.sender.AutoFollowUpEnabled {
		return nil
	}
	email := mailbox.Email{
		To:        row.ToEmail,
		Subject:   row.Subject,
		Body:      row.Body,
		ThreadID:  row.ThreadID,
		InReplyTo: row.InReplyTo,
	}
	var prospectID uint
	if row.ProspectID != nil {
		prospectID = *row.ProspectID
	}
	var campaignID uint
	if row.CampaignID != nil {
		campaignID = *row.CampaignID
	}

	res, ok := d.send(ctx, acct, email, result)
	if !ok {
		d.failed(ctx, acct, campaignID, prospectID, row.StepNumber, email, res, row)
		return nil
	}
	err := d.Store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateInteraction(ctx, launch.SentInteraction(acct.sender.ID, row.CampaignID, row.ProspectID, row.StepNumber, email, res, d.Now(), true)); err != nil {
			return err
		}
		return tx.MarkScheduledSendSent(ctx, row.ID, d.Now())
	})
	d.sent(ctx, acct, campaignID, prospectID, row.StepNumber, row.Kind, email, res)
	return err
}

func (d *Dispatcher) cancelProspectRow(ctx context.Context, row *models.ScheduledSend, result *Result) {
	n, err := d.Store.CancelScheduledSends(ctx, repository.ScheduledSendFilter{
		ProspectID: *row.ProspectID,
		Kinds:      []string{row.Kind},
	})
	if err != nil {
		d.Log.WithError(err).WithField("scheduled_send_id", row.ID).Warn("Failed to cancel scheduled send")
		return
	}
	result.Cancelled += int(n)
}

// send delivers one email, pausing SendDelay after the previous send of
// this account. The budget is only spent on success.
func (d *Dispatcher) send(ctx context.Context, acct *account, email mailbox.Email, result *Result) (mailbox.SendResult, bool) {
	if acct.sends > 0 && d.SendDelay > 0 {
		timer := time.NewTimer(d.SendDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	acct.sends++
	if err := ctx.Err(); err != nil {
		result.Failed++
		return mailbox.SendResult{Error: err.Error()}, false
	}
	res, err := acct.adapter.Send(ctx, email)
	if err != nil || !res.Success {
		if res.Error == "" && err != nil {
			res.Error = err.Error()
		}
		res.Success = false
		result.Failed++
		return res, false
	}
	acct.budget--
	result.Sent++
	return res, true
}

func (d *Dispatcher) sent(ctx context.Context, acct *account, campaignID, prospectID uint, step int, kind string, email mailbox.Email, res mailbox.SendResult) {
	metrics.EmailsSent.WithLabelValues("followup").Inc()
	d.publish(ctx, events.Event{
		Type: events.EmailSent, Source: "followup", SenderID: acct.sender.ID, CampaignID: campaignID,
		ProspectID: prospectID, To: email.To, StepNumber: step, Kind: kind, MessageID: res.MessageID, At: d.Now(),
	})
}

func (d *Dispatcher) failed(ctx context.Context, acct *account, campaignID, prospectID uint, step int, email mailbox.Email, res mailbox.SendResult, row *models.ScheduledSend) {
	metrics.EmailsFailed.WithLabelValues("followup").Inc()
	acct.log.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"prospect_id": prospectID,
		"step":        step,
		"error":       res.Error,
	}).Warn("Follow-up send failed")
	if row != nil {
		if err := d.Store.MarkScheduledSendFailed(ctx, row.ID, res.Error); err != nil {
			acct.log.WithError(err).Warn("Failed to record send failure")
		}
	}
	d.publish(ctx, events.Event{
		Type: events.EmailFailed, Source: "followup", SenderID: acct.sender.ID, CampaignID: campaignID,
		ProspectID: prospectID, To: email.To, StepNumber: step, Error: res.Error, At: d.Now(),
	})
}

func (d *Dispatcher) publish(ctx context.Context, e events.Event) {
	if err := d.Publisher.Publish(ctx, e); err != nil {
		d.Log.WithError(err).WithField("event", e.Type).Warn("Failed to publish event")
	}
}

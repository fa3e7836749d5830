package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

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
	DefaultPageSize            = 10
	DefaultQueuedResponseDelay = 30 * time.Minute
	DefaultMaxDailyAutoReplies = 50

	OutcomeSkippedDenyList  = "skipped_denylist"
	OutcomeSkippedDuplicate = "skipped_duplicate"
	OutcomeHumanReview      = "human_review"
	OutcomeReplied          = "replied"
	OutcomeQueued           = "queued"
	OutcomeFailed           = "failed"
)

// ErrPaused is returned by RunCycle when the account's automation is off.
var ErrPaused = errors.New("inbox automation is paused")

// DenyList holds sender local-part prefixes that are never answered.
var DenyList = []string{"noreply", "no-reply", "donotreply", "notifications", "support"}

// FollowUpCadence is the delay of each follow-up after a sales reply.
var FollowUpCadence = []time.Duration{24 * time.Hour, 3 * 24 * time.Hour, 7 * 24 * time.Hour}

type Options struct {
	Store      repository.Store
	Connector  mailbox.Connector
	Classifier *Classifier
	Router     *Router
	Responder  *Responder
	Locker     lock.Locker
	Publisher  events.Publisher

	PageSize            int
	QueuedResponseDelay time.Duration
	Location            *time.Location
	Now                 func() time.Time
	Log                 *logrus.Entry
}

type Loop struct {
	Options

	mu sync.Mutex
	// skipped holds deny-listed provider ids per account. They stay unread
	// in the mailbox, so later pages are widened to reach past them.
	skipped map[uint]map[string]struct{}
}

func NewLoop(opts Options) *Loop {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.QueuedResponseDelay <= 0 {
		opts.QueuedResponseDelay = DefaultQueuedResponseDelay
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	return &Loop{Options: opts, skipped: map[uint]map[string]struct{}{}}
}

// CycleResult counts messages by outcome.
type CycleResult struct {
	SenderID uint           `json:"sender_id"`
	Fetched  int            `json:"fetched"`
	Outcomes map[string]int `json:"outcomes"`
}

// Denied reports whether address belongs to an automated sender.
func Denied(address string) bool {
	local := strings.ToLower(mailbox.LocalPart(address))
	for _, prefix := range DenyList {
		if strings.HasPrefix(local, prefix) {
			return true
		}
	}
	return false
}

// RunCycle processes one page of unread mail for an account. A failure on
// one message is logged and the cycle moves on; only errors that stop the
// whole cycle are returned.
func (l *Loop) RunCycle(ctx context.Context, senderID uint) (*CycleResult, error) {
	sender, err := l.Store.GetSender(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}
	if sender.AutomationStatus != models.AutomationActive {
		return nil, ErrPaused
	}
	log := l.Log.WithField("sender_id", sender.ID)

	adapter, err := l.Connector.Connect(ctx, sender)
	if err != nil {
		if rerr := l.Store.RecordSenderError(ctx, sender.ID, err.Error(), l.Now()); rerr != nil {
			log.WithError(rerr).Warn("Failed to record sender error")
		}
		return nil, err
	}

	unlock, err := l.Locker.Lock(ctx, lock.AccountKey(sender.ID), lock.DefaultTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	skipped := l.skippedFor(sender.ID)
	messages, err := adapter.ListUnread(ctx, l.PageSize+len(skipped))
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}

	result := &CycleResult{SenderID: sender.ID, Outcomes: map[string]int{}}
	self := mailbox.AddressOf(adapter.Address())
	still := make(map[string]struct{}, len(skipped))
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if mailbox.AddressOf(msg.From) == self {
			continue
		}
		if _, ok := skipped[msg.ID]; ok {
			still[msg.ID] = struct{}{}
			continue
		}
		if result.Fetched >= l.PageSize {
			continue
		}
		result.Fetched++
		outcome, err := l.handle(ctx, sender, adapter, msg)
		if err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Error("Inbound message failed")
			outcome = OutcomeFailed
		}
		if outcome == OutcomeSkippedDenyList {
			still[msg.ID] = struct{}{}
		}
		result.Outcomes[outcome]++
		metrics.InboxMessages.WithLabelValues(outcome).Inc()
	}
	l.setSkipped(sender.ID, still)

	if result.Fetched > 0 {
		log.WithFields(logrus.Fields{"fetched": result.Fetched, "outcomes": result.Outcomes}).Info("Inbox cycle finished")
	}
	return result, nil
}

func (l *Loop) skippedFor(senderID uint) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped[senderID]
}

// setSkipped replaces the account's set with the ids still unread, so
// messages read elsewhere drop out of it.
func (l *Loop) setSkipped(senderID uint, ids map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ids) == 0 {
		delete(l.skipped, senderID)
		return
	}
	l.skipped[senderID] = ids
}

func threadKey(msg mailbox.Message) string {
	if msg.ThreadID != "" {
		return msg.ThreadID
	}
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return msg.ID
}

func (l *Loop) handle(ctx context.Context, sender *models.Sender, adapter mailbox.Adapter, msg mailbox.Message) (string, error) {
	if Denied(msg.From) {
		return OutcomeSkippedDenyList, nil
	}

	thread := threadKey(msg)
	seen, err := l.Store.CountInteractions(ctx, repository.InteractionFilter{
		SenderID: sender.ID,
		ThreadID: thread,
		Types:    []string{models.InteractionEmailReplied, models.InteractionHumanReviewNeeded},
	})
	if err != nil {
		return "", fmt.Errorf("thread lookup: %w", err)
	}
	if seen > 0 {
		return OutcomeSkippedDuplicate, l.markRead(ctx, adapter, msg)
	}

	prospect := l.prospect(ctx, sender.ID, msg.From)
	cls := l.Classifier.Classify(ctx, msg)
	routing := l.Router.Route(ctx, msg, cls)
	if routing.Escalate() {
		return OutcomeHumanReview, l.escalate(ctx, sender, adapter, msg, thread, prospect, cls, routing)
	}

	reply, err := l.Responder.Draft(ctx, msg, cls, sender.ReplyTone, sender.ReplyLength)
	if err != nil {
		l.Log.WithError(err).WithField("message_id", msg.ID).Warn("Reply draft failed, escalating to a human")
		metrics.CompletionFallbacks.WithLabelValues("inbox_reply").Inc()
		routing = Routing{RouteToHuman: true, Reason: "reply could not be generated", Priority: UrgencyHigh, Fallback: true}
		return OutcomeHumanReview, l.escalate(ctx, sender, adapter, msg, thread, prospect, cls, routing)
	}

	now := l.Now()
	email := mailbox.Email{
		To:        mailbox.AddressOf(msg.From),
		ToName:    msg.FromName,
		Subject:   reply.Subject,
		Body:      reply.Body,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.MessageID,
	}

	outcome := OutcomeQueued
	var sent *mailbox.SendResult
	ok, reason, err := l.maySend(ctx, sender, now)
	if err != nil {
		return "", err
	}
	if ok {
		res, err := adapter.Send(ctx, email)
		if err == nil && res.Success {
			sent = &res
			outcome = OutcomeReplied
			metrics.EmailsSent.WithLabelValues("inbox").Inc()
		} else {
			if res.Error == "" && err != nil {
				res.Error = err.Error()
			}
			reason = "send failed: " + res.Error
			metrics.EmailsFailed.WithLabelValues("inbox").Inc()
		}
	}

	err = l.Store.Transaction(ctx, func(tx repository.Store) error {
		var sends []models.ScheduledSend
		if sent == nil {
			sends = append(sends, l.scheduled(sender, prospect, email, models.SendKindQueuedResponse, 0, now.Add(l.QueuedResponseDelay)))
		}
		if IsSalesOriented(cls.SuggestedResponseType) && sender.AutoFollowUpEnabled {
			sends = append(sends, l.cadence(sender, prospect, msg, email, now)...)
		}
		if err := tx.CreateScheduledSends(ctx, sends); err != nil {
			return err
		}

		inbound := l.inbound(sender, msg, thread, prospect, cls, routing)
		inbound.Metadata["reply"] = reply.Body
		if sent != nil {
			inbound.Metadata["reply_status"] = "sent"
		} else {
			inbound.Metadata["reply_status"] = "queued"
			inbound.Metadata["queued_reason"] = reason
		}
		if err := tx.CreateInteraction(ctx, inbound); err != nil {
			return err
		}
		if sent != nil {
			out := &models.Interaction{
				CreatedAt:  l.Now(),
				SenderID:   sender.ID,
				Type:       models.InteractionEmailSent,
				ThreadID:   thread,
				MessageID:  sent.MessageID,
				Content:    email.Body,
				Automated:  true,
				Metadata:   map[string]interface{}{"to": email.To, "subject": email.Subject},
				CampaignID: campaignOf(prospect),
				ProspectID: idOf(prospect),
			}
			if err := tx.CreateInteraction(ctx, out); err != nil {
				return err
			}
		}
		return l.bookReply(ctx, tx, prospect)
	})
	if err != nil {
		return "", fmt.Errorf("record reply: %w", err)
	}

	l.publish(ctx, sender, prospect, email, sent, now)
	return outcome, l.markRead(ctx, adapter, msg)
}

// maySend applies the account's auto-reply settings and its daily cap on
// automated sends. reason explains a refusal.
func (l *Loop) maySend(ctx context.Context, sender *models.Sender, now time.Time) (bool, string, error) {
	if !sender.AutoReplyEnabled {
		return false, "auto-reply disabled", nil
	}
	if !sender.InBusinessHours(now, l.Location) {
		return false, "outside business hours", nil
	}
	limit := sender.MaxDailyAutoReplies
	if limit <= 0 {
		limit = DefaultMaxDailyAutoReplies
	}
	automated := true
	n, err := l.Store.CountInteractions(ctx, repository.InteractionFilter{
		SenderID:  sender.ID,
		Types:     []string{models.InteractionEmailSent},
		Automated: &automated,
		Since:     warmup.StartOfDay(now, sender.Location(l.Location)),
	})
	if err != nil {
		return false, "", fmt.Errorf("count automated sends: %w", err)
	}
	if int(n) >= limit {
		return false, "daily automated reply limit reached", nil
	}
	return true, "", nil
}

func (l *Loop) escalate(ctx context.Context, sender *models.Sender, adapter mailbox.Adapter, msg mailbox.Message, thread string, prospect *models.Prospect, cls Classification, routing Routing) error {
	review := l.inbound(sender, msg, thread, prospect, cls, routing)
	review.Type = models.InteractionHumanReviewNeeded
	err := l.Store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateInteraction(ctx, review); err != nil {
			return err
		}
		return l.bookReply(ctx, tx, prospect)
	})
	if err != nil {
		return fmt.Errorf("record human review: %w", err)
	}
	l.Log.WithFields(logrus.Fields{
		"sender_id":  sender.ID,
		"message_id": msg.ID,
		"reason":     routing.Reason,
		"department": routing.SuggestedDepartment,
	}).Info("Message routed to human review")
	return l.markRead(ctx, adapter, msg)
}

func (l *Loop) inbound(sender *models.Sender, msg mailbox.Message, thread string, prospect *models.Prospect, cls Classification, routing Routing) *models.Interaction {
	return &models.Interaction{
		CreatedAt:  l.Now(),
		SenderID:   sender.ID,
		CampaignID: campaignOf(prospect),
		ProspectID: idOf(prospect),
		Type:       models.InteractionEmailReplied,
		ThreadID:   thread,
		MessageID:  msg.MessageID,
		Content:    msg.Body,
		Metadata: map[string]interface{}{
			"from":                   msg.From,
			"subject":                msg.Subject,
			"intent":                 cls.Intent,
			"sentiment":              cls.Sentiment,
			"urgency":                cls.Urgency,
			"topics":                 cls.Topics,
			"response_type":          cls.SuggestedResponseType,
			"classification_default": cls.Fallback,
			"route_to_human":         routing.RouteToHuman,
			"route_reason":           routing.Reason,
			"priority":               routing.Priority,
			"department":             routing.SuggestedDepartment,
		},
	}
}

// bookReply moves a known prospect to replied and stops its sequence.
func (l *Loop) bookReply(ctx context.Context, tx repository.Store, prospect *models.Prospect) error {
	if prospect == nil {
		return nil
	}
	if prospect.Status != models.ProspectReplied && prospect.Status != models.ProspectQualified {
		if err := tx.SetProspectStatus(ctx, prospect.ID, models.ProspectReplied); err != nil {
			return err
		}
	}
	_, err := tx.CancelScheduledSends(ctx, repository.ScheduledSendFilter{
		ProspectID: prospect.ID,
		Kinds:      []string{models.SendKindInitial, models.SendKindFollowUp},
		CampaignID: prospect.CampaignID,
	})
	return err
}

func (l *Loop) prospect(ctx context.Context, senderID uint, from string) *models.Prospect {
	p, err := l.Store.FindProspectByEmail(ctx, senderID, mailbox.AddressOf(from))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			l.Log.WithError(err).Warn("Prospect lookup failed")
		}
		return nil
	}
	return p
}

func (l *Loop) scheduled(sender *models.Sender, prospect *models.Prospect, email mailbox.Email, kind string, step int, at time.Time) models.ScheduledSend {
	return models.ScheduledSend{
		SenderID:     sender.ID,
		ProspectID:   idOf(prospect),
		StepNumber:   step,
		ToEmail:      email.To,
		Subject:      email.Subject,
		Body:         email.Body,
		ThreadID:     email.ThreadID,
		InReplyTo:    email.InReplyTo,
		ScheduledFor: at,
		Kind:         kind,
		Status:       models.SendStatusScheduled,
	}
}

func (l *Loop) cadence(sender *models.Sender, prospect *models.Prospect, msg mailbox.Message, email mailbox.Email, now time.Time) []models.ScheduledSend {
	firstName := ""
	if prospect != nil {
		firstName = strings.TrimSpace(prospect.FirstName)
	} else if fields := strings.Fields(msg.FromName); len(fields) > 0 {
		firstName = fields[0]
	}
	sends := make([]models.ScheduledSend, 0, len(FollowUpCadence))
	for i, delay := range FollowUpCadence {
		e := email
		e.Body = FollowUpBody(i, firstName)
		sends = append(sends, l.scheduled(sender, prospect, e, models.SendKindFollowUp, i+1, now.Add(delay)))
	}
	metrics.SendsQueued.WithLabelValues(models.SendKindFollowUp).Add(float64(len(sends)))
	return sends
}

func (l *Loop) publish(ctx context.Context, sender *models.Sender, prospect *models.Prospect, email mailbox.Email, sent *mailbox.SendResult, at time.Time) {
	e := events.Event{Source: "inbox", SenderID: sender.ID, To: email.To, At: at}
	if prospect != nil {
		e.ProspectID = prospect.ID
		e.CampaignID = prospect.CampaignID
	}
	if sent != nil {
		e.Type = events.EmailSent
		e.MessageID = sent.MessageID
	} else {
		e.Type = events.EmailQueued
		e.Kind = models.SendKindQueuedResponse
		metrics.SendsQueued.WithLabelValues(models.SendKindQueuedResponse).Inc()
	}
	if err := l.Publisher.Publish(ctx, e); err != nil {
		l.Log.WithError(err).WithField("event", e.Type).Warn("Failed to publish event")
	}
}

func (l *Loop) markRead(ctx context.Context, adapter mailbox.Adapter, msg mailbox.Message) error {
	if err := adapter.MarkRead(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func idOf(p *models.Prospect) *uint {
	if p == nil {
		return nil
	}
	id := p.ID
	return &id
}

func campaignOf(p *models.Prospect) *uint {
	if p == nil {
		return nil
	}
	id := p.CampaignID
	return &id
}

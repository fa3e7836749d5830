package inbox_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/completion/completiontest"
	"replypilot/events"
	"replypilot/lock"
	"replypilot/mailbox"
	"replypilot/mailbox/mailboxtest"
	"replypilot/models"
	"replypilot/repository/repotest"
	"replypilot/services/inbox"
)

const (
	classifySales = `{"intent":"pricing","sentiment":"positive","urgency":"medium","topics":["pricing"],"suggestedResponseType":"pricing_info"}`
	classifyPlain = `{"intent":"question","sentiment":"neutral","urgency":"low","topics":[],"suggestedResponseType":"answer_question"}`
	routeAuto     = "```json\n{\"routeToHuman\":false,\"reason\":\"routine\",\"priority\":\"low\",\"suggestedDepartment\":\"sales\"}\n```"
	routeHuman    = `{"routeToHuman":true,"reason":"legal threat","priority":"high","suggestedDepartment":"legal"}`
	replyText     = "Thanks for reaching out. Our pricing starts at $49 per seat."
)

// Tuesday, inside business hours.
var tuesday = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

// stickyMailbox never marks messages read, so every cycle sees them again.
type stickyMailbox struct {
	*mailboxtest.Fake
}

func (stickyMailbox) MarkRead(context.Context, string) error { return nil }

type fixture struct {
	now     time.Time
	store   *repotest.MemoryStore
	mailbox *mailboxtest.Fake
	llm     *completiontest.Scripted
	events  *events.Recorder
	sender  *models.Sender
	loop    *inbox.Loop
	adapter mailbox.Adapter
}

func newFixture(t *testing.T, rules ...completiontest.Rule) *fixture {
	t.Helper()
	f := &fixture{now: tuesday, events: &events.Recorder{}}
	clock := func() time.Time { return f.now }
	f.store = repotest.NewMemoryStore()
	f.store.Now = clock
	f.sender = &models.Sender{
		FromEmail:           "rep@acme.io",
		ProviderType:        models.ProviderOutlook,
		AutomationStatus:    models.AutomationActive,
		AutoReplyEnabled:    true,
		AutoFollowUpEnabled: true,
		BusinessHoursStart:  9,
		BusinessHoursEnd:    17,
		MaxDailyAutoReplies: 50,
	}
	f.store.AddSender(f.sender)
	f.mailbox = mailboxtest.New(f.sender.FromEmail)
	f.adapter = f.mailbox
	f.llm = completiontest.New(rules...)
	f.build()
	return f
}

func (f *fixture) build() {
	log := logrus.NewEntry(logrus.New())
	f.loop = inbox.NewLoop(inbox.Options{
		Store:      f.store,
		Connector:  &mailboxtest.Connector{Adapters: map[uint]mailbox.Adapter{f.sender.ID: f.adapter}},
		Classifier: inbox.NewClassifier(f.llm, time.Second, log),
		Router:     inbox.NewRouter(f.llm, time.Second, log),
		Responder:  inbox.NewResponder(f.llm, time.Second),
		Locker:     lock.NewLocalLocker(),
		Publisher:  f.events,
		Now:        func() time.Time { return f.now },
		Log:        log,
	})
}

func (f *fixture) cycle(t *testing.T) *inbox.CycleResult {
	t.Helper()
	res, err := f.loop.RunCycle(context.Background(), f.sender.ID)
	require.NoError(t, err)
	return res
}

func autoRules(classification string) []completiontest.Rule {
	return []completiontest.Rule{
		{Match: "Classify this inbound email", Text: classification},
		{Match: "needs a human", Text: routeAuto},
		{Match: "Write a reply", Text: replyText},
	}
}

func message(id, from, thread string) mailbox.Message {
	return mailbox.Message{
		ID:        id,
		ThreadID:  thread,
		MessageID: "<" + id + "@mail.example.com>",
		From:      from,
		FromName:  "Dana Buyer",
		Subject:   "Pricing?",
		Body:      "How much does it cost for a team of ten?",
		Date:      tuesday.Add(-time.Hour),
	}
}

func TestInbox_DenyListHasNoSideEffects(t *testing.T) {
	f := newFixture(t, autoRules(classifySales)...)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "noreply@vendor.com", "t1")}

	res := f.cycle(t)

	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeSkippedDenyList])
	assert.Empty(t, f.store.Interactions())
	assert.Empty(t, f.store.ScheduledSends())
	assert.Empty(t, f.mailbox.SentEmails())
	assert.False(t, f.mailbox.IsRead("m1"))
	assert.Zero(t, f.llm.Calls())
}

func TestInbox_DenyListedPageDoesNotHideLaterMail(t *testing.T) {
	f := newFixture(t, autoRules(classifySales)...)
	for i := 0; i < inbox.DefaultPageSize+2; i++ {
		f.mailbox.Inbox = append(f.mailbox.Inbox, message(fmt.Sprintf("n%02d", i), "noreply@vendor.com", fmt.Sprintf("n%02d", i)))
	}
	f.mailbox.Inbox = append(f.mailbox.Inbox, message("real", "Dana Buyer <dana@buyer.com>", "t-real"))

	first := f.cycle(t)
	assert.Equal(t, inbox.DefaultPageSize, first.Outcomes[inbox.OutcomeSkippedDenyList])
	assert.False(t, f.mailbox.IsRead("real"))

	for i := 0; i < 3 && !f.mailbox.IsRead("real"); i++ {
		f.cycle(t)
	}

	assert.True(t, f.mailbox.IsRead("real"))
	require.Len(t, f.mailbox.SentEmails(), 1)
	assert.Equal(t, "dana@buyer.com", f.mailbox.SentEmails()[0].To)
	for _, in := range f.store.Interactions() {
		assert.NotEqual(t, "noreply@vendor.com", in.Metadata["from"])
	}
	assert.False(t, f.mailbox.IsRead("n00"), "deny-listed mail stays unread")
}

func TestInbox_HighPriorityGoesToHuman(t *testing.T) {
	f := newFixture(t,
		completiontest.Rule{Match: "Classify this inbound email", Text: classifyPlain},
		completiontest.Rule{Match: "needs a human", Text: routeHuman},
		completiontest.Rule{Match: "Write a reply", Text: replyText},
	)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "Dana Buyer <dana@buyer.com>", "t1")}

	res := f.cycle(t)

	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeHumanReview])
	review := f.store.Interactions(models.InteractionHumanReviewNeeded)
	require.Len(t, review, 1)
	assert.Equal(t, "t1", review[0].ThreadID)
	assert.Equal(t, "legal threat", review[0].Metadata["route_reason"])
	assert.Empty(t, f.store.Interactions(models.InteractionEmailSent, models.InteractionEmailReplied))
	assert.Empty(t, f.mailbox.SentEmails())
	assert.Empty(t, f.store.ScheduledSends())
	assert.True(t, f.mailbox.IsRead("m1"))
	assert.Equal(t, 2, f.llm.Calls(), "no reply is drafted")
}

func TestInbox_AutoReplyWithinBusinessHours(t *testing.T) {
	f := newFixture(t, autoRules(classifySales)...)
	ctx := context.Background()

	campaign := &models.Campaign{
		SenderID: f.sender.ID,
		Status:   models.CampaignActive,
		Steps:    []models.SequenceStep{{StepNumber: 1}, {StepNumber: 2, DelayHours: 72}},
		Prospects: []models.Prospect{{
			Email: "dana@buyer.com", FirstName: "Dana", Status: models.ProspectContacted, LastStepSent: 1,
		}},
	}
	require.NoError(t, f.store.CreateCampaign(ctx, campaign))
	prospect := campaign.Prospects[0]
	require.NoError(t, f.store.CreateScheduledSends(ctx, []models.ScheduledSend{{
		SenderID: f.sender.ID, CampaignID: &campaign.ID, ProspectID: &prospect.ID, StepNumber: 2,
		ToEmail: prospect.Email, ScheduledFor: tuesday.Add(48 * time.Hour), Kind: models.SendKindFollowUp,
	}}))

	f.mailbox.Inbox = []mailbox.Message{message("m1", "Dana Buyer <dana@buyer.com>", "t1")}
	res := f.cycle(t)
	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeReplied])

	sent := f.mailbox.SentEmails()
	require.Len(t, sent, 1)
	assert.Equal(t, "dana@buyer.com", sent[0].To)
	assert.Equal(t, "Re: Pricing?", sent[0].Subject)
	assert.Equal(t, replyText, sent[0].Body)
	assert.Equal(t, "t1", sent[0].ThreadID)
	assert.Equal(t, "<m1@mail.example.com>", sent[0].InReplyTo)

	replied := f.store.Interactions(models.InteractionEmailReplied)
	require.Len(t, replied, 1)
	assert.Equal(t, "pricing", replied[0].Metadata["intent"])
	assert.Equal(t, "sent", replied[0].Metadata["reply_status"])
	require.NotNil(t, replied[0].ProspectID)
	assert.Equal(t, prospect.ID, *replied[0].ProspectID)

	out := f.store.Interactions(models.InteractionEmailSent)
	require.Len(t, out, 1)
	assert.True(t, out[0].Automated)

	p, err := f.store.GetProspect(ctx, prospect.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProspectReplied, p.Status)

	var cancelled, cadence int
	for _, s := range f.store.ScheduledSends() {
		switch {
		case s.CampaignID != nil:
			assert.Equal(t, models.SendStatusCancelled, s.Status)
			cancelled++
		case s.Kind == models.SendKindFollowUp:
			assert.Equal(t, models.SendStatusScheduled, s.Status)
			assert.Contains(t, s.Body, "Hi Dana")
			cadence++
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 3, cadence)
	assert.True(t, f.mailbox.IsRead("m1"))
	assert.Len(t, f.events.Events(events.EmailSent), 1)
}

func TestInbox_FollowUpCadence(t *testing.T) {
	f := newFixture(t, autoRules(classifySales)...)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}
	f.cycle(t)

	var due []time.Time
	for _, s := range f.store.ScheduledSends() {
		if s.Kind == models.SendKindFollowUp {
			due = append(due, s.ScheduledFor)
		}
	}
	assert.Equal(t, []time.Time{
		tuesday.Add(24 * time.Hour),
		tuesday.Add(72 * time.Hour),
		tuesday.Add(168 * time.Hour),
	}, due)
}

func TestInbox_NoCadenceForNonSalesReplies(t *testing.T) {
	f := newFixture(t, autoRules(classifyPlain)...)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}
	f.cycle(t)
	assert.Empty(t, f.store.ScheduledSends())
	assert.Len(t, f.mailbox.SentEmails(), 1)
}

func TestInbox_QueuesOutsideBusinessHours(t *testing.T) {
	f := newFixture(t, autoRules(classifyPlain)...)
	f.now = time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}

	res := f.cycle(t)
	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeQueued])
	assert.Empty(t, f.mailbox.SentEmails())

	sends := f.store.ScheduledSends()
	require.Len(t, sends, 1)
	assert.Equal(t, models.SendKindQueuedResponse, sends[0].Kind)
	assert.Equal(t, f.now.Add(30*time.Minute), sends[0].ScheduledFor)
	assert.Equal(t, replyText, sends[0].Body)
	assert.Equal(t, "t1", sends[0].ThreadID)

	replied := f.store.Interactions(models.InteractionEmailReplied)
	require.Len(t, replied, 1)
	assert.Equal(t, "outside business hours", replied[0].Metadata["queued_reason"])
	assert.True(t, f.mailbox.IsRead("m1"))
}

func TestInbox_DailyAutoReplyLimit(t *testing.T) {
	f := newFixture(t, autoRules(classifyPlain)...)
	f.sender.MaxDailyAutoReplies = 1
	f.store.AddSender(f.sender)
	require.NoError(t, f.store.CreateInteraction(context.Background(), &models.Interaction{
		SenderID: f.sender.ID, Type: models.InteractionEmailSent, Automated: true, CreatedAt: tuesday.Add(-time.Hour),
	}))
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}

	res := f.cycle(t)
	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeQueued])
	assert.Empty(t, f.mailbox.SentEmails())
}

func TestInbox_OneReplyPerThread(t *testing.T) {
	f := newFixture(t, autoRules(classifyPlain)...)
	f.adapter = stickyMailbox{f.mailbox}
	f.build()
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}

	first := f.cycle(t)
	second := f.cycle(t)

	assert.Equal(t, 1, first.Outcomes[inbox.OutcomeReplied])
	assert.Equal(t, 1, second.Outcomes[inbox.OutcomeSkippedDuplicate])
	assert.Len(t, f.mailbox.SentEmails(), 1)
	assert.Len(t, f.store.Interactions(models.InteractionEmailSent), 1)
	assert.Len(t, f.store.Interactions(models.InteractionEmailReplied), 1)
}

func TestInbox_MixedCaseModelAnswersAreAccepted(t *testing.T) {
	f := newFixture(t,
		completiontest.Rule{Match: "Classify this inbound email", Text: `{"intent":"Pricing","sentiment":"Positive","urgency":"MEDIUM","topics":[],"suggestedResponseType":"Pricing_Info"}`},
		completiontest.Rule{Match: "needs a human", Text: `{"routeToHuman":false,"reason":"routine","priority":"High","suggestedDepartment":"sales"}`},
		completiontest.Rule{Match: "Write a reply", Text: replyText},
	)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "Dana Buyer <dana@buyer.com>", "t1")}

	res := f.cycle(t)

	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeReplied])
	assert.Empty(t, f.store.Interactions(models.InteractionHumanReviewNeeded))
	replied := f.store.Interactions(models.InteractionEmailReplied)
	require.Len(t, replied, 1)
	assert.Equal(t, false, replied[0].Metadata["classification_default"])
	assert.Equal(t, "high", replied[0].Metadata["priority"])
	assert.Equal(t, "positive", replied[0].Metadata["sentiment"])
}

func TestInbox_ClassificationFallback(t *testing.T) {
	f := newFixture(t,
		completiontest.Rule{Match: "Classify this inbound email", Text: "I think this is about pricing!"},
		completiontest.Rule{Match: "needs a human", Text: routeAuto},
		completiontest.Rule{Match: "Write a reply", Text: replyText},
	)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}

	res := f.cycle(t)
	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeReplied])

	replied := f.store.Interactions(models.InteractionEmailReplied)
	require.Len(t, replied, 1)
	assert.Equal(t, inbox.SentimentNeutral, replied[0].Metadata["sentiment"])
	assert.Equal(t, inbox.UrgencyMedium, replied[0].Metadata["urgency"])
	assert.Equal(t, true, replied[0].Metadata["classification_default"])
}

func TestInbox_ReplyFailureGoesToHuman(t *testing.T) {
	f := newFixture(t,
		completiontest.Rule{Match: "Classify this inbound email", Text: classifyPlain},
		completiontest.Rule{Match: "needs a human", Text: routeAuto},
	)
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}

	res := f.cycle(t)
	assert.Equal(t, 1, res.Outcomes[inbox.OutcomeHumanReview])
	assert.Len(t, f.store.Interactions(models.InteractionHumanReviewNeeded), 1)
	assert.Empty(t, f.mailbox.SentEmails())
}

func TestInbox_PausedAccount(t *testing.T) {
	f := newFixture(t, autoRules(classifyPlain)...)
	require.NoError(t, f.store.SetSenderAutomation(context.Background(), f.sender.ID, models.AutomationPaused))
	f.mailbox.Inbox = []mailbox.Message{message("m1", "dana@buyer.com", "t1")}

	_, err := f.loop.RunCycle(context.Background(), f.sender.ID)
	assert.ErrorIs(t, err, inbox.ErrPaused)
	assert.False(t, f.mailbox.IsRead("m1"))
}

func TestDenied(t *testing.T) {
	assert.True(t, inbox.Denied("noreply@vendor.com"))
	assert.True(t, inbox.Denied("Vendor <No-Reply@vendor.com>"))
	assert.True(t, inbox.Denied("notifications-team@github.com"))
	assert.True(t, inbox.Denied("support@help.io"))
	assert.False(t, inbox.Denied("dana@buyer.com"))
	assert.False(t, inbox.Denied("supply@buyer.com"))
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", inbox.ReplySubject("Hello"))
	assert.Equal(t, "RE: Hello", inbox.ReplySubject("RE: Hello"))
	assert.Equal(t, "Re: your message", inbox.ReplySubject(""))
}

package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"replypilot/completion"
	"replypilot/mailbox"
)

var lengthWords = map[string]string{
	"short":  "under 60 words",
	"medium": "under 120 words",
	"long":   "under 200 words",
}

type Reply struct {
	Subject string
	Body    string
}

// Responder drafts replies. A draft failure is returned to the caller,
// which hands the message to a human.
type Responder struct {
	client  completion.Client
	timeout time.Duration
}

func NewResponder(client completion.Client, timeout time.Duration) *Responder {
	return &Responder{client: client, timeout: timeout}
}

func (r *Responder) Draft(ctx context.Context, msg mailbox.Message, cls Classification, tone, length string) (Reply, error) {
	if tone == "" {
		tone = "professional"
	}
	words, ok := lengthWords[length]
	if !ok {
		words = lengthWords["medium"]
	}
	text, err := r.client.Complete(ctx, completion.Request{
		Prompt: fmt.Sprintf(`Write a reply to this email from a prospect.
Tone: %s. Length: %s. Response type: %s. Their intent: %s.
Reply with the email body only, no subject line and no placeholders.

From: %s
Subject: %s

%s`, tone, words, cls.SuggestedResponseType, cls.Intent, msg.From, msg.Subject, truncate(msg.Body, maxPromptBody)),
		SystemInstruction: "You are a helpful sales development representative answering inbound email.",
		Temperature:       0.6,
		MaxTokens:         500,
		Timeout:           r.timeout,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("draft reply: %w", err)
	}
	body := strings.TrimSpace(text)
	if body == "" {
		return Reply{}, completion.ErrEmpty
	}
	return Reply{Subject: ReplySubject(msg.Subject), Body: body}, nil
}

// ReplySubject prefixes "Re: " unless already present.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	if subject == "" {
		return "Re: your message"
	}
	return "Re: " + subject
}

// followUpBodies are sent after a sales-oriented reply, one per cadence
// entry.
var followUpBodies = []string{
	"Hi%s,\n\nJust checking that my last reply reached you. Happy to answer anything else.\n\nBest regards",
	"Hi%s,\n\nFollowing up on our conversation. Would a short call this week help move things forward?\n\nBest regards",
	"Hi%s,\n\nI don't want to crowd your inbox, so this is my last note for now. Reply any time and I'll pick it up.\n\nBest regards",
}

// FollowUpBody returns the nth cadence message for a correspondent.
func FollowUpBody(n int, firstName string) string {
	if firstName != "" {
		firstName = " " + firstName
	}
	return fmt.Sprintf(followUpBodies[min(n, len(followUpBodies)-1)], firstName)
}

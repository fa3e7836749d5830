// Package inbox runs the per-account reply automation cycle.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/completion"
	"replypilot/mailbox"
	"replypilot/metrics"
)

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"

	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"

	ResponseScheduleMeeting = "schedule_meeting"
	ResponsePricingInfo     = "pricing_info"
	ResponseProductInfo     = "product_info"
	ResponseAnswerQuestion  = "answer_question"
	ResponseAcknowledge     = "acknowledge"
	ResponseGeneric         = "generic"
)

// salesResponses get an automatic follow-up cadence when enabled.
var salesResponses = map[string]bool{
	ResponseScheduleMeeting: true,
	ResponsePricingInfo:     true,
	ResponseProductInfo:     true,
}

// IsSalesOriented reports whether a response type moves a deal forward.
func IsSalesOriented(responseType string) bool {
	return salesResponses[responseType]
}

// maxPromptBody keeps long threads from blowing up the prompt.
const maxPromptBody = 4000

type Classification struct {
	Intent                string   `json:"intent" validate:"required"`
	Sentiment             string   `json:"sentiment" validate:"required,oneof=positive neutral negative"`
	Urgency               string   `json:"urgency" validate:"required,oneof=low medium high"`
	Topics                []string `json:"topics"`
	SuggestedResponseType string   `json:"suggestedResponseType" validate:"required"`
	Fallback              bool     `json:"-"`
}

func (c *Classification) Normalize() {
	c.Intent = strings.ToLower(strings.TrimSpace(c.Intent))
	c.Sentiment = strings.ToLower(strings.TrimSpace(c.Sentiment))
	c.Urgency = strings.ToLower(strings.TrimSpace(c.Urgency))
	c.SuggestedResponseType = strings.ToLower(strings.TrimSpace(c.SuggestedResponseType))
}

// DefaultClassification is used whenever the completion cannot be parsed.
func DefaultClassification() Classification {
	return Classification{
		Intent:                "general",
		Sentiment:             SentimentNeutral,
		Urgency:               UrgencyMedium,
		Topics:                []string{},
		SuggestedResponseType: ResponseGeneric,
		Fallback:              true,
	}
}

type Classifier struct {
	client  completion.Client
	timeout time.Duration
	log     *logrus.Entry
}

func NewClassifier(client completion.Client, timeout time.Duration, log *logrus.Entry) *Classifier {
	return &Classifier{client: client, timeout: timeout, log: log}
}

// Classify never fails. Unusable output yields DefaultClassification.
func (c *Classifier) Classify(ctx context.Context, msg mailbox.Message) Classification {
	text, err := c.client.Complete(ctx, completion.Request{
		Prompt:            classifyPrompt(msg),
		SystemInstruction: "You classify inbound sales emails. Answer with a single JSON object and nothing else.",
		Temperature:       0.1,
		MaxTokens:         300,
		Timeout:           c.timeout,
	})
	var out Classification
	if err == nil {
		err = completion.ParseJSON(text, &out)
	}
	if err != nil {
		c.log.WithError(err).WithField("message_id", msg.ID).Warn("Classification failed, using neutral default")
		metrics.CompletionFallbacks.WithLabelValues("inbox_classify").Inc()
		return DefaultClassification()
	}
	if out.Topics == nil {
		out.Topics = []string{}
	}
	return out
}

func classifyPrompt(msg mailbox.Message) string {
	return fmt.Sprintf(`Classify this inbound email.

From: %s
Subject: %s

%s

Return JSON with these fields:
- "intent": short snake_case label such as interested, question, pricing, meeting_request, objection, not_interested, unsubscribe, out_of_office, complaint
- "sentiment": one of positive, neutral, negative
- "urgency": one of low, medium, high
- "topics": list of short topic strings
- "suggestedResponseType": one of schedule_meeting, pricing_info, product_info, answer_question, acknowledge, generic`,
		msg.From, msg.Subject, truncate(msg.Body, maxPromptBody))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

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

type Routing struct {
	RouteToHuman        bool   `json:"routeToHuman"`
	Reason              string `json:"reason"`
	Priority            string `json:"priority" validate:"required,oneof=low medium high"`
	SuggestedDepartment string `json:"suggestedDepartment"`
	Fallback            bool   `json:"-"`
}

func (r *Routing) Normalize() {
	r.Priority = strings.ToLower(strings.TrimSpace(r.Priority))
}

// Escalate reports whether the message must be left to a person.
func (r Routing) Escalate() bool {
	return r.RouteToHuman && r.Priority == UrgencyHigh
}

// Router decides whether a message may be answered automatically. When
// the decision cannot be made the message goes to a human.
type Router struct {
	client  completion.Client
	timeout time.Duration
	log     *logrus.Entry
}

func NewRouter(client completion.Client, timeout time.Duration, log *logrus.Entry) *Router {
	return &Router{client: client, timeout: timeout, log: log}
}

func (r *Router) Route(ctx context.Context, msg mailbox.Message, cls Classification) Routing {
	text, err := r.client.Complete(ctx, completion.Request{
		Prompt:            routePrompt(msg, cls),
		SystemInstruction: "You triage sales inbox messages. Answer with a single JSON object and nothing else.",
		Temperature:       0.1,
		MaxTokens:         200,
		Timeout:           r.timeout,
	})
	var out Routing
	if err == nil {
		err = completion.ParseJSON(text, &out)
	}
	if err != nil {
		r.log.WithError(err).WithField("message_id", msg.ID).Warn("Routing failed, escalating to a human")
		metrics.CompletionFallbacks.WithLabelValues("inbox_route").Inc()
		return Routing{
			RouteToHuman:        true,
			Reason:              "automatic routing unavailable",
			Priority:            UrgencyHigh,
			SuggestedDepartment: "sales",
			Fallback:            true,
		}
	}
	return out
}

func routePrompt(msg mailbox.Message, cls Classification) string {
	return fmt.Sprintf(`Decide whether this email needs a human instead of an automatic reply.
Legal threats, complaints, contract or billing disputes, custom enterprise requests and anything sensitive need a human.

From: %s
Subject: %s
Intent: %s
Sentiment: %s
Urgency: %s

%s

Return JSON: {"routeToHuman": bool, "reason": string, "priority": "low"|"medium"|"high", "suggestedDepartment": string}`,
		msg.From, msg.Subject, cls.Intent, cls.Sentiment, cls.Urgency, truncate(msg.Body, maxPromptBody))
}

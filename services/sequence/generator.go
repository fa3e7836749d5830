// Package sequence drafts the steps of an outbound campaign.
package sequence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"replypilot/completion"
	"replypilot/metrics"
	"replypilot/models"
)

// Purposes is the fixed rhetorical rotation applied to steps in order.
var Purposes = []string{
	"introduction",
	"value-add",
	"social-proof",
	"problem-agitation",
	"solution-presentation",
	"final-ask",
}

// delayHours is the wait before each step, by position. Steps past the
// end reuse the last value.
var delayHours = []int{0, 72, 96, 120, 168, 168}

const maxSubjectLen = 120

type Config struct {
	Industry         string `json:"industry" validate:"required"`
	ValueProposition string `json:"value_proposition" validate:"required"`
	CallToAction     string `json:"call_to_action" validate:"required"`
	Tone             string `json:"tone"`
	StepCount        int    `json:"step_count" validate:"min=1,max=12"`
}

type Generator struct {
	client  completion.Client
	timeout time.Duration
	log     *logrus.Entry
}

func NewGenerator(client completion.Client, timeout time.Duration, log *logrus.Entry) *Generator {
	return &Generator{client: client, timeout: timeout, log: log}
}

// Generate returns cfg.StepCount steps. It never fails: a step whose
// completion fails gets fallback text instead.
func (g *Generator) Generate(ctx context.Context, cfg Config) []models.SequenceStep {
	if cfg.Tone == "" {
		cfg.Tone = "professional"
	}
	steps := make([]models.SequenceStep, 0, cfg.StepCount)
	for i := 0; i < cfg.StepCount; i++ {
		purpose := Purposes[i%len(Purposes)]
		log := g.log.WithFields(logrus.Fields{"step": i + 1, "purpose": purpose})

		body, err := g.complete(ctx, bodyPrompt(cfg, purpose, i+1), 0.7, 600)
		if err != nil {
			log.WithError(err).Warn("Step body generation failed, using fallback template")
			metrics.CompletionFallbacks.WithLabelValues("sequence_body").Inc()
			body = fallbackBody(purpose, cfg)
		}
		body = ensureGreeting(body)

		subject, err := g.complete(ctx, subjectPrompt(cfg, purpose, body), 0.8, 40)
		subject = cleanSubject(subject)
		if err != nil || subject == "" {
			log.WithError(err).Warn("Subject generation failed, using fallback subject")
			metrics.CompletionFallbacks.WithLabelValues("sequence_subject").Inc()
			subject = fallbackSubject(purpose, cfg)
		}

		steps = append(steps, models.SequenceStep{
			StepNumber: i + 1,
			DelayHours: delayFor(i),
			Purpose:    purpose,
			Subject:    subject,
			Body:       body,
		})
	}
	return steps
}

func (g *Generator) complete(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error) {
	text, err := g.client.Complete(ctx, completion.Request{
		Prompt:            prompt,
		SystemInstruction: systemInstruction,
		Temperature:       temperature,
		MaxTokens:         maxTokens,
		Timeout:           g.timeout,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", completion.ErrEmpty
	}
	return text, nil
}

func delayFor(i int) int {
	if i < len(delayHours) {
		return delayHours[i]
	}
	return delayHours[len(delayHours)-1]
}

const systemInstruction = "You write short, plain-text B2B sales emails. Never invent facts about the recipient."

func bodyPrompt(cfg Config, purpose string, step int) string {
	return fmt.Sprintf(`Write email %d of an outbound sequence.
Purpose of this email: %s
Industry: %s
Value proposition: %s
Call to action: %s
Tone: %s

Use the literal placeholders {{firstName}}, {{company}} and {{title}} where the recipient's details belong.
Return only the email body, under 150 words, without a subject.`,
		step, purpose, cfg.Industry, cfg.ValueProposition, cfg.CallToAction, cfg.Tone)
}

func subjectPrompt(cfg Config, purpose, body string) string {
	return fmt.Sprintf(`Write one subject line for this %s sales email (purpose: %s).
Keep it under 8 words. You may use {{company}} or {{firstName}}. Return only the subject line.

Email:
%s`, cfg.Industry, purpose, body)
}

// ensureGreeting makes sure every body addresses the recipient.
func ensureGreeting(body string) string {
	if strings.Contains(body, "{{firstName}}") {
		return body
	}
	return "Hi {{firstName}},\n\n" + body
}

// cleanSubject keeps the first line of a generated subject without
// labels or wrapping quotes.
func cleanSubject(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) >= len("subject:") && strings.EqualFold(s[:len("subject:")], "subject:") {
		s = s[len("subject:"):]
	}
	s = strings.Trim(strings.TrimSpace(s), `"'*`)
	if len(s) > maxSubjectLen {
		s = strings.TrimSpace(s[:maxSubjectLen])
	}
	return s
}

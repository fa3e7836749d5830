package sequence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/completion"
	"replypilot/completion/completiontest"
)

var cfg = Config{
	Industry:         "logistics",
	ValueProposition: "cutting freight audit time in half",
	CallToAction:     "A 15-minute call next week",
	Tone:             "friendly",
	StepCount:        3,
}

func newGenerator(client completion.Client) *Generator {
	return NewGenerator(client, 20*time.Millisecond, logrus.NewEntry(logrus.New()))
}

func TestGenerate_UsesCompletions(t *testing.T) {
	client := completiontest.New(
		completiontest.Rule{Match: "subject line", Text: "Subject: \"Freight audits, faster\""},
		completiontest.Rule{Text: "Hi {{firstName}}, quick note about {{company}}."},
	)
	steps := newGenerator(client).Generate(context.Background(), cfg)

	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.Equal(t, Purposes[i], s.Purpose)
		assert.Equal(t, "Freight audits, faster", s.Subject)
		assert.Contains(t, s.Body, "{{company}}")
	}
	assert.Equal(t, []int{0, 72, 96}, []int{steps[0].DelayHours, steps[1].DelayHours, steps[2].DelayHours})
	assert.Equal(t, 6, client.Calls())
	assert.Contains(t, client.Requests[0].Prompt, "introduction")
	assert.Contains(t, client.Requests[2].Prompt, "value-add")
}

func TestGenerate_FallsBackOnFailure(t *testing.T) {
	client := completiontest.New(completiontest.Rule{Err: errors.New("503 overloaded")})
	steps := newGenerator(client).Generate(context.Background(), cfg)

	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.NotEmpty(t, s.Subject)
		assert.Contains(t, s.Body, "{{firstName}}")
		assert.Contains(t, s.Body, "cutting freight audit time in half")
		assert.NotContains(t, s.Body, "{{valueProposition}}")
		assert.NotContains(t, s.Body, "{{callToAction}}")
	}
}

func TestGenerate_SubjectTimeoutStillYieldsSubject(t *testing.T) {
	client := &splitClient{body: completiontest.New(completiontest.Rule{Text: "Worth a look, {{firstName}}?"})}
	steps := newGenerator(client).Generate(context.Background(), Config{
		Industry: "fintech", ValueProposition: "faster reconciliation", CallToAction: "a demo", StepCount: 1,
	})

	require.Len(t, steps, 1)
	assert.Equal(t, "Quick idea for {{company}}", steps[0].Subject)
	assert.Equal(t, "Worth a look, {{firstName}}?", steps[0].Body)
}

func TestGenerate_RotationWraps(t *testing.T) {
	steps := newGenerator(completion.Unavailable{}).Generate(context.Background(), Config{
		Industry: "saas", ValueProposition: "x", CallToAction: "y", StepCount: 8,
	})
	require.Len(t, steps, 8)
	assert.Equal(t, "introduction", steps[6].Purpose)
	assert.Equal(t, 168, steps[7].DelayHours)
}

func TestEnsureGreeting(t *testing.T) {
	assert.True(t, strings.HasPrefix(ensureGreeting("Hello there."), "Hi {{firstName}},"))
	assert.Equal(t, "Hey {{firstName}}", ensureGreeting("Hey {{firstName}}"))
}

func TestCleanSubject(t *testing.T) {
	assert.Equal(t, "Hello", cleanSubject("  SUBJECT: 'Hello'\nextra line"))
	assert.Equal(t, "", cleanSubject("   "))
	assert.Len(t, cleanSubject(strings.Repeat("a", 300)), maxSubjectLen)
}

// splitClient answers body prompts and hangs on subject prompts until the
// per-call timeout fires.
type splitClient struct {
	body completion.Client
}

func (s *splitClient) Complete(ctx context.Context, req completion.Request) (string, error) {
	if strings.Contains(req.Prompt, "subject line") {
		ctx, cancel := context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		return completiontest.Blocking{}.Complete(ctx, req)
	}
	return s.body.Complete(ctx, req)
}

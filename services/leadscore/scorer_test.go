package leadscore

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/completion/completiontest"
	"replypilot/models"
	"replypilot/repository/repotest"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newScorer(rules ...completiontest.Rule) (*Scorer, *repotest.MemoryStore) {
	store := repotest.NewMemoryStore()
	s := NewScorer(completiontest.New(rules...), store, time.Second, logrus.NewEntry(logrus.New()))
	s.now = func() time.Time { return fixedNow }
	return s, store
}

func TestScore_ParsesStructuredOutput(t *testing.T) {
	s, store := newScorer(completiontest.Rule{Text: "Here you go:\n```json\n" + `{
		"overallScore": 82,
		"qualification": "hot",
		"reasons": ["VP title", "growing team"],
		"buyingSignals": ["hiring SDRs"],
		"redFlags": [],
		"suggestedApproach": "Lead with ROI",
		"estimatedBudget": "$10k-$50k",
		"decisionMakerLevel": "executive",
		"urgency": "high",
		"personalizedMessage": "Saw you're scaling the sales team."
	}` + "\n```"})

	got := s.Score(context.Background(), Lead{Email: "VP@Example.com", Title: "VP Sales", Company: "Example"})

	assert.Equal(t, 82, got.Score)
	assert.Equal(t, models.QualificationHot, got.Qualification)
	assert.Equal(t, []string{"VP title", "growing team"}, got.Reasons)
	assert.Equal(t, []string{}, got.RedFlags)
	assert.False(t, got.Fallback)
	assert.Equal(t, fixedNow, got.ScoredAt)

	stored, err := store.GetLeadScore(context.Background(), "vp@example.com")
	require.NoError(t, err)
	assert.Equal(t, 82, stored.Score)
}

func TestScore_FallsBackOnBadOutput(t *testing.T) {
	cases := map[string]completiontest.Rule{
		"prose":              {Text: "This lead looks promising."},
		"missing score":      {Text: `{"qualification":"hot"}`},
		"score out of range": {Text: `{"overallScore":140,"qualification":"hot"}`},
		"bad qualification":  {Text: `{"overallScore":60,"qualification":"lukewarm"}`},
		"service error":      {Err: context.DeadlineExceeded},
	}
	for name, rule := range cases {
		t.Run(name, func(t *testing.T) {
			s, store := newScorer(rule)
			got := s.Score(context.Background(), Lead{Email: "lead@example.com"})

			assert.Equal(t, DefaultScore, got.Score)
			assert.Equal(t, models.QualificationWarm, got.Qualification)
			assert.True(t, got.Fallback)

			stored, err := store.GetLeadScore(context.Background(), "lead@example.com")
			require.NoError(t, err)
			assert.True(t, stored.Fallback)
		})
	}
}

func TestScore_ZeroIsAValidScore(t *testing.T) {
	s, _ := newScorer(completiontest.Rule{Text: `{"overallScore":0,"qualification":"cold"}`})
	got := s.Score(context.Background(), Lead{Email: "x@example.com"})
	assert.Equal(t, 0, got.Score)
	assert.False(t, got.Fallback)
}

func TestScore_UpsertsByEmail(t *testing.T) {
	s, store := newScorer(completiontest.Rule{Text: `{"overallScore":30,"qualification":"cold"}`})
	ctx := context.Background()
	s.Score(ctx, Lead{Email: "lead@example.com"})
	s.Score(ctx, Lead{Email: "Lead@Example.com"})

	scores, err := store.ListLeadScores(ctx, []string{"lead@example.com"})
	require.NoError(t, err)
	assert.Len(t, scores, 1)
}

func TestScoreProspects(t *testing.T) {
	s, _ := newScorer(completiontest.Rule{Text: `{"overallScore":70,"qualification":"hot"}`})
	got := s.ScoreProspects(context.Background(), []models.Prospect{{Email: "a@example.com"}, {Email: "b@example.com"}})
	require.Len(t, got, 2)
	assert.Equal(t, "b@example.com", got[1].Email)
}

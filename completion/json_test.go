package completion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Score int    `json:"score" validate:"min=0,max=100"`
	Tier  string `json:"tier" validate:"required,oneof=hot warm cold"`
}

type casedVerdict struct {
	Tier string `json:"tier" validate:"required,oneof=hot warm cold"`
}

func (v *casedVerdict) Normalize() { v.Tier = strings.ToLower(strings.TrimSpace(v.Tier)) }

func TestParseJSON_NormalizesBeforeValidating(t *testing.T) {
	var got casedVerdict
	require.NoError(t, ParseJSON(`{"tier": " Hot"}`, &got))
	assert.Equal(t, "hot", got.Tier)
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    verdict
		wantErr bool
	}{
		{name: "plain object", input: `{"score": 80, "tier": "hot"}`, want: verdict{80, "hot"}},
		{name: "fenced", input: "```json\n{\"score\": 10, \"tier\": \"cold\"}\n```", want: verdict{10, "cold"}},
		{name: "prose around object", input: "Sure! Here it is: {\"score\": 55, \"tier\": \"warm\"} Hope that helps.", want: verdict{55, "warm"}},
		{name: "no object", input: "I cannot help with that", wantErr: true},
		{name: "broken json", input: `{"score": 80, "tier": }`, wantErr: true},
		{name: "out of range", input: `{"score": 180, "tier": "hot"}`, wantErr: true},
		{name: "unknown tier", input: `{"score": 50, "tier": "lukewarm"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got verdict
			err := ParseJSON(tt.input, &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Complete(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWithTimeoutDefaults(t *testing.T) {
	ctx, cancel := withTimeout(context.Background(), Request{})
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTimeout), deadline, time.Second)
}

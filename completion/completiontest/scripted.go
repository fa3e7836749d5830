// Package completiontest provides scripted completion clients for tests.
package completiontest

import (
	"context"
	"strings"
	"sync"

	"replypilot/completion"
)

// Rule answers any prompt containing Match. An empty Match answers all.
type Rule struct {
	Match string
	Text  string
	Err   error
}

// Scripted returns the first matching rule's answer and records every
// request it receives.
type Scripted struct {
	mu       sync.Mutex
	Rules    []Rule
	Requests []completion.Request
}

func New(rules ...Rule) *Scripted {
	return &Scripted{Rules: rules}
}

func (s *Scripted) Complete(ctx context.Context, req completion.Request) (string, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	rules := s.Rules
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, r := range rules {
		if r.Match == "" || strings.Contains(req.Prompt, r.Match) {
			return r.Text, r.Err
		}
	}
	return "", completion.ErrUnavailable
}

// Calls reports how many requests were received.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// Blocking never answers until the caller's context ends, standing in
// for a hung backend.
type Blocking struct{}

func (Blocking) Complete(ctx context.Context, _ completion.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

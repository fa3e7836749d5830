// Package completion wraps the language-model service behind a small
// text-in/text-out contract. Callers treat it as unreliable and always
// carry a fallback.
package completion

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds a completion call when the request sets none.
const DefaultTimeout = 8 * time.Second

// ErrUnavailable is returned when no completion backend is configured.
var ErrUnavailable = errors.New("completion service unavailable")

// ErrEmpty is returned when the backend answered with blank text.
var ErrEmpty = errors.New("completion returned empty text")

type Request struct {
	Prompt            string
	SystemInstruction string
	Temperature       float32
	MaxTokens         int
	Timeout           time.Duration
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Unavailable is a Client that always fails. It stands in when no API
// key is configured so every caller takes its fallback path.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// withTimeout derives the per-call deadline.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

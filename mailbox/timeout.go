package mailbox

import (
	"context"
	"time"
)

// DefaultTimeout bounds each provider call made through WithTimeout.
const DefaultTimeout = 8 * time.Second

type timeoutAdapter struct {
	next    Adapter
	timeout time.Duration
}

// WithTimeout bounds every call on next by timeout so no provider call can
// hang a polling cycle.
func WithTimeout(next Adapter, timeout time.Duration) Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutAdapter{next: next, timeout: timeout}
}

func (t *timeoutAdapter) ListUnread(ctx context.Context, max int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.ListUnread(ctx, max)
}

func (t *timeoutAdapter) FetchMessage(ctx context.Context, id string) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.FetchMessage(ctx, id)
}

func (t *timeoutAdapter) MarkRead(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.MarkRead(ctx, id)
}

func (t *timeoutAdapter) Send(ctx context.Context, email Email) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Send(ctx, email)
}

func (t *timeoutAdapter) Address() string {
	return t.next.Address()
}

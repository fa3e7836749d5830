package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// gomailSender is the part of *gomail.Dialer the SMTP path uses.
type gomailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

var _ gomailSender = (*gomail.Dialer)(nil)

const smtpMaxRetries = 3

// sendWithRetry delivers m, retrying temporary SMTP failures with a
// quadratic backoff.
func sendWithRetry(ctx context.Context, dialer gomailSender, m *gomail.Message, backoff func(attempt int) time.Duration) error {
	var lastError error
	for attempt := 1; attempt <= smtpMaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		err := dialer.DialAndSend(m)
		if err == nil {
			return nil
		}
		lastError = err
		if !isTemporaryError(err) {
			break
		}
	}
	return fmt.Errorf("smtp send failed: %w", lastError)
}

func quadraticBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * time.Second
}

func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// 4xx SMTP replies are transient.
	errStr := strings.ToLower(err.Error())
	for _, tempErr := range []string{"try again", "temporary", "421", "450", "451", "452"} {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}
	return false
}

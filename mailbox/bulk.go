package mailbox

import (
	"context"
	"time"
)

// BulkSend sends emails one at a time, waiting delay between sends.
// Per-email failures are reported in the result slice and never stop the
// batch. When ctx ends, the remaining emails are reported as failed.
// onResult, when set, is called after each send.
func BulkSend(ctx context.Context, adapter Adapter, emails []Email, delay time.Duration, onResult func(i int, res SendResult)) []SendResult {
	results := make([]SendResult, len(emails))
	for i, email := range emails {
		if i > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}

		var res SendResult
		if err := ctx.Err(); err != nil {
			res = SendResult{Error: err.Error()}
		} else {
			r, err := adapter.Send(ctx, email)
			res = r
			if err != nil {
				res.Success = false
				if res.Error == "" {
					res.Error = err.Error()
				}
			}
		}
		results[i] = res
		if onResult != nil {
			onResult(i, res)
		}
	}
	return results
}

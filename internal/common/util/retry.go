package util

import (
	"context"
	"time"
)

// RetryUntilSuccess calls performAction until it succeeds or ctx is done, waiting backoff between attempts.
func RetryUntilSuccess(ctx context.Context, backoff time.Duration, performAction func() error, onError func(error)) error {
	for {
		err := performAction()
		if err == nil {
			return nil
		}
		onError(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

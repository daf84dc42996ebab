package syncengine

import (
	"context"
	"time"

	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/sirupsen/logrus"
)

const maxBackoff = 30 * time.Second

func backoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withRetry calls fn until it succeeds, fails permanently, or maxRetries retries are spent.
// Rate limits wait for the server's hint when it gave one.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if err == nil || !remote.IsRetryable(err) || attempt >= e.maxRetries {
			return err
		}
		wait := remote.RetryAfterOf(err)
		if wait <= 0 {
			wait = backoff(attempt)
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}
		e.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).Warn("remote call failed, retrying: " + err.Error())
		if serr := e.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}

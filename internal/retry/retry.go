// Package retry provides bounded exponential backoff for operations
// whose failures are worth repeating: retryable tool dispatches,
// outbound notifications, broker reconnects.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of tries including the first.
	// Zero or negative means try once.
	MaxAttempts int
	// Initial is the first wait. Later waits grow exponentially with
	// jitter up to Max.
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy suits short-lived transient failures such as an
// upstream 503.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Initial: 250 * time.Millisecond, Max: 5 * time.Second}
}

// Do runs op under the policy. After each failure shouldRetry decides
// whether another attempt can help; a nil shouldRetry retries every
// error. Context cancellation stops the schedule between attempts.
func Do(ctx context.Context, p Policy, logger *slog.Logger, label string, shouldRetry func(error) bool, op func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	// Bound by attempt count, not elapsed time.
	eb.MaxElapsedTime = 0

	var bo backoff.BackOff = eb
	if p.MaxAttempts > 1 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	} else {
		bo = backoff.WithMaxRetries(bo, 0)
	}
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying after failure",
			"op", label, "attempt", attempt, "wait", wait, "error", err)
	}

	return backoff.RetryNotify(wrapped, bo, notify)
}

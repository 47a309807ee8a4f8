package federation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
)

// RetryPolicy is a bounded exponential backoff: Base, doubling, capped at Max.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Budget is the longest a full retry run may take when each attempt is
// bounded by perAttempt. Relay contexts must be at least this long or the
// later attempts never run.
func (p RetryPolicy) Budget(perAttempt time.Duration) time.Duration {
	attempts := max(p.MaxAttempts, 1)
	total := time.Duration(attempts) * perAttempt
	for attempt := 1; attempt < attempts; attempt++ {
		total += p.backoff(attempt)
	}
	return total
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up.
func (p RetryPolicy) retry(ctx context.Context, domain, op string, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		appErr, ok := apperrors.AsAppError(err)
		if !ok || !appErr.Retryable() || attempt >= attempts {
			return err
		}

		wait := p.backoff(attempt)
		log.Warn().
			Err(err).
			Str("domain", domain).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("federation relay failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperrors.RemoteUnavailable(domain, ctx.Err())
		case <-timer.C:
		}
	}
}

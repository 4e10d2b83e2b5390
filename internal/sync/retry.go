package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sparkchat/sparksync/internal/remote"
)

// RetryPolicy bounds retries of user-initiated remote deletes.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Delay is the fixed pause between tries.
	Delay time.Duration
}

// DefaultRetryPolicy returns 3 attempts spaced 1s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// the policy's attempts run out. onFailure, if non-nil, sees every
// failed attempt. It returns the number of attempts made.
//
// Retryability is decided by remote.IsRetryable, so decode failures and
// context cancellation end the loop at once.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error, onFailure func(attempt int, err error)) (int, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if !remote.IsRetryable(err) {
			return attempt, err
		}
		if attempt == p.Attempts {
			break
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return p.Attempts, fmt.Errorf("giving up after %d attempts: %w", p.Attempts, err)
}

// DeleteConversation implements Syncer.DeleteConversation.
func (s *syncer) DeleteConversation(ctx context.Context, id string) error {
	return s.deleteWithRetry(ctx, "conversation", id, s.remote.DeleteConversation)
}

// DeleteMessage implements Syncer.DeleteMessage.
func (s *syncer) DeleteMessage(ctx context.Context, id string) error {
	return s.deleteWithRetry(ctx, "message", id, s.remote.DeleteMessage)
}

func (s *syncer) deleteWithRetry(ctx context.Context, kind, id string, del func(context.Context, string) error) error {
	attempts := s.config.Retry.Attempts
	n, err := Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		return del(ctx, id)
	}, func(attempt int, err error) {
		s.logger.Printf("Failed to delete %s %s (attempt %d/%d): %v", kind, id, attempt, attempts, err)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if n > 1 {
		s.logger.Printf("Deleted %s %s after %d attempts", kind, id, n)
	}
	return nil
}

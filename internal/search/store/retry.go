package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// RetryPolicy bounds how often a transaction is retried after a transient
// conflict.
type RetryPolicy struct {
	// Attempts is the total number of tries. Values below 1 mean one try.
	Attempts int

	// Backoff is the base delay; attempt n waits n*Backoff before retrying.
	Backoff time.Duration

	// OnRetry is called before every retry (for metrics and logging).
	OnRetry func(attempt int, err error)
}

// RunInTx runs fn inside a transaction and commits it. A transient
// conflict raised by fn or by the commit rolls the whole transaction back
// and runs it again, up to policy.Attempts times. Any other error rolls
// back and is returned unchanged. When every attempt failed the returned
// error wraps both types.ErrRetriesExhausted and the last conflict.
func RunInTx(ctx context.Context, s Store, policy RetryPolicy, fn func(ctx context.Context, tx Tx) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr)
			}
			if policy.Backoff > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt-1) * policy.Backoff):
				}
			}
		}

		err := runOnce(ctx, s, fn)
		if err == nil {
			return nil
		}
		if !types.IsTransient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", types.ErrRetriesExhausted, attempts, lastErr)
}

func runOnce(ctx context.Context, s Store, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Retry calls fn up to maxRetries times with a linear backoff between
// attempts. It stops early when ctx is done.
func Retry[T any](ctx context.Context, name string, maxRetries uint, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxRetries == 0 {
		maxRetries = 1
	}

	var err error
	for attempt := uint(1); attempt <= maxRetries; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == maxRetries {
			break
		}
		slog.Debug("Retrying", "operation", name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return zero, errors.WithMessage(ctx.Err(), name)
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return zero, errors.WithMessage(err, fmt.Sprintf("%s failed after %d attempts", name, maxRetries))
}

// RetryErr is Retry for functions without a result.
func RetryErr(ctx context.Context, name string, maxRetries uint, backoff time.Duration, fn func(context.Context) error) error {
	_, err := Retry(ctx, name, maxRetries, backoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

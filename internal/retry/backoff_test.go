package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func alwaysRetry(err error) bool { return errors.Is(err, errTransient) }

func TestWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), nil, alwaysRetry, 5, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithBackoffStopsOnNonClassifiedError(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), nil, alwaysRetry, 5, time.Millisecond, func(ctx context.Context) error {
		attempts++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	require.Equal(t, 1, attempts)
}

func TestWithBackoffGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), nil, alwaysRetry, 2, time.Millisecond, func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestWithBackoffRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := WithBackoff(ctx, nil, alwaysRetry, 5, time.Millisecond, func(ctx context.Context) error {
		attempts++
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

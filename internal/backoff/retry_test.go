package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Retry(context.Background(), func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 5}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	opErr := errors.New("still broken")
	attempts := 0
	err := Retry(context.Background(), func(_ context.Context) error {
		attempts++
		return opErr
	}, &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 2}, nil)

	assert.ErrorIs(t, err, opErr, "the operation error wins over ErrRetriesExhausted")
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	t.Parallel()

	fatal := errors.New("bad input")
	attempts := 0
	err := Retry(context.Background(), func(_ context.Context) error {
		attempts++
		return fatal
	}, NewConstantBackoffPolicy(time.Millisecond), func(err error) bool {
		return !errors.Is(err, fatal)
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, func(_ context.Context) error {
		t.Fatal("operation must not run on a dead context")
		return nil
	}, NewConstantBackoffPolicy(time.Millisecond), nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponentialBackoffPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialBackoffPolicy(100 * time.Millisecond)
	p.MaxRetries = 4

	d, err := p.ComputeNextInterval(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)

	d, err = p.ComputeNextInterval(2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, d)

	_, err = p.ComputeNextInterval(4, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// Unlimited retries, but the interval caps at MaxInterval.
	p.MaxRetries = 0
	d, err = p.ComputeNextInterval(20, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestRetrierCountsAndResets(t *testing.T) {
	t.Parallel()

	r := NewRetrier(&ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 2})

	_, err := r.Next(errors.New("x"))
	require.NoError(t, err)
	_, err = r.Next(errors.New("x"))
	require.NoError(t, err)
	_, err = r.Next(errors.New("x"))
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	r.Reset()
	_, err = r.Next(errors.New("x"))
	assert.NoError(t, err)
}

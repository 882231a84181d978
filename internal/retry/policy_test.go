package retry

import (
	"context"
	"testing"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxElapsedTime:  time.Second,
	}
}

func TestPolicy_Do(t *testing.T) {
	ctx := context.Background()
	errTransient := errors.New("transient")

	t.Run("first attempt succeeds", func(t *testing.T) {
		res := fastPolicy(3).Do(ctx, func(ctx context.Context, attempt int) error { return nil })
		assert.Equal(t, Succeeded, res.Stop)
		assert.Equal(t, 1, res.Attempts)
		assert.NoError(t, res.Err)
	})

	t.Run("succeeds on third attempt", func(t *testing.T) {
		var seen []int
		res := fastPolicy(3).Do(ctx, func(ctx context.Context, attempt int) error {
			seen = append(seen, attempt)
			if attempt < 3 {
				return errTransient
			}
			return nil
		})
		assert.Equal(t, Succeeded, res.Stop)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		var notified []int
		res := fastPolicy(3).DoNotify(ctx, func(ctx context.Context, attempt int) error {
			return errTransient
		}, func(err error, attempt int, next time.Duration) {
			notified = append(notified, attempt)
		})
		assert.Equal(t, Exhausted, res.Stop)
		assert.Equal(t, 3, res.Attempts)
		assert.ErrorIs(t, res.Err, errTransient)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("non retryable stops immediately", func(t *testing.T) {
		res := fastPolicy(3).Do(ctx, func(ctx context.Context, attempt int) error {
			return errors.Wrap(domain.ErrNonRetryable, "bad payload")
		})
		assert.Equal(t, Permanent, res.Stop)
		assert.Equal(t, 1, res.Attempts)
		assert.ErrorIs(t, res.Err, domain.ErrNonRetryable)
	})

	t.Run("custom classifier", func(t *testing.T) {
		p := fastPolicy(3)
		p.Retryable = func(err error) bool { return !errors.Is(err, errTransient) }
		res := p.Do(ctx, func(ctx context.Context, attempt int) error { return errTransient })
		assert.Equal(t, Permanent, res.Stop)
	})

	t.Run("elapsed ceiling before budget", func(t *testing.T) {
		p := fastPolicy(100)
		p.InitialInterval = 20 * time.Millisecond
		p.MaxInterval = 20 * time.Millisecond
		p.RandomizationFactor = 0
		p.MaxElapsedTime = 50 * time.Millisecond

		res := p.Do(ctx, func(ctx context.Context, attempt int) error { return errTransient })
		assert.Equal(t, Elapsed, res.Stop)
		assert.Less(t, res.Attempts, 100)
		assert.GreaterOrEqual(t, res.Attempts, 1)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := fastPolicy(5)
		p.InitialInterval = time.Second
		p.MaxInterval = time.Second

		res := p.Do(cctx, func(ctx context.Context, attempt int) error {
			cancel()
			return errTransient
		})
		assert.Equal(t, Canceled, res.Stop)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("already canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		res := fastPolicy(3).Do(cctx, func(ctx context.Context, attempt int) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.Equal(t, Canceled, res.Stop)
		assert.Equal(t, 0, res.Attempts)
	})

	t.Run("no budget", func(t *testing.T) {
		res := fastPolicy(0).Do(ctx, func(ctx context.Context, attempt int) error { return nil })
		assert.Equal(t, Exhausted, res.Stop)
		assert.ErrorIs(t, res.Err, ErrNoAttempts)
	})
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(0, domain.BackoffConfig{})
	def := DefaultPolicy()
	assert.Equal(t, def.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, 5*time.Minute, p.MaxElapsedTime)

	p = FromConfig(7, domain.BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      3,
		MaxElapsedTime:  time.Hour,
	})
	require.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, time.Minute, p.MaxInterval)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, time.Hour, p.MaxElapsedTime)
	assert.Equal(t, 2, p.WithMaxAttempts(2).MaxAttempts)
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, "elapsed", Elapsed.String())
}

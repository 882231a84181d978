package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
)

// StopReason tells the caller why Do returned.
type StopReason int

const (
	Succeeded StopReason = iota
	// Permanent means the operation returned a non-retryable error.
	Permanent
	// Exhausted means every allowed attempt failed.
	Exhausted
	// Elapsed means the max elapsed time ran out before the attempt budget.
	Elapsed
	// Canceled means the context ended.
	Canceled
)

func (r StopReason) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Permanent:
		return "permanent"
	case Exhausted:
		return "exhausted"
	case Elapsed:
		return "elapsed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

var ErrNoAttempts = errors.New("retry: no attempts allowed")

// Operation is one attempt; attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Policy is an exponential backoff bounded by attempts and elapsed time.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration

	// Retryable decides whether an error may be retried. Nil treats every error
	// as retryable except those matching domain.ErrNonRetryable.
	Retryable func(err error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         domain.DefaultMaxRetryAttempts,
		InitialInterval:     backoff.DefaultInitialInterval,
		MaxInterval:         backoff.DefaultMaxInterval,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		MaxElapsedTime:      5 * time.Minute,
	}
}

// FromConfig fills unset fields from DefaultPolicy.
func FromConfig(maxAttempts int, cfg domain.BackoffConfig) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 1 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		p.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return p
}

// WithMaxAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return !errors.Is(err, domain.ErrNonRetryable)
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = p.MaxElapsedTime

	// WithMaxRetries counts retries, not attempts.
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Result describes how a Do call ended.
type Result struct {
	Attempts int
	Err      error
	Stop     StopReason
}

func (p Policy) Do(ctx context.Context, op Operation) Result {
	return p.DoNotify(ctx, op, nil)
}

// DoNotify runs op until it succeeds or the policy stops it. notify is called after
// every failed attempt that will be retried.
func (p Policy) DoNotify(ctx context.Context, op Operation, notify func(err error, attempt int, next time.Duration)) Result {
	if p.MaxAttempts <= 0 {
		return Result{Err: ErrNoAttempts, Stop: Exhausted}
	}

	var (
		attempts  int
		permanent bool
	)

	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, p.newBackOff(ctx), func(err error, next time.Duration) {
		if notify != nil {
			notify(err, attempts, next)
		}
	})

	res := Result{Attempts: attempts, Err: err}
	switch {
	case err == nil:
		res.Stop = Succeeded
	case permanent:
		res.Stop = Permanent
	case ctx.Err() != nil:
		res.Stop = Canceled
	case attempts >= p.MaxAttempts:
		res.Stop = Exhausted
	default:
		res.Stop = Elapsed
	}

	return res
}

// Package retry builds bounded exponential backoff policies from
// configuration and classifies failures for them.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pitabwire/grantflow/internal/config"
	"github.com/pitabwire/grantflow/model"
)

// Policy is a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	// Jitter is the randomization factor applied to each interval.
	Jitter float64
}

// FromConfig converts a RetryConfig into a Policy, filling unset values.
func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		MaxAttempts: cfg.MaxAttempts,
		Initial:     cfg.BackoffInitial,
		Multiplier:  cfg.BackoffMultiplier,
		Max:         cfg.BackoffMax,
		Jitter:      0.1,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Max <= 0 || p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// BackOff returns a fresh backoff bound to ctx. The schedule stops after
// MaxAttempts-1 retries; elapsed time is not capped.
func (p Policy) BackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.Max
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Do runs op under the policy and returns the number of attempts made.
// Errors classified permanent by model.IsPermanent stop the loop at once.
// notify, when non-nil, is called before each retry.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(attempt int, err error, wait time.Duration)) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if model.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.BackOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	return attempts, err
}

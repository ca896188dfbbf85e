// Package retry provides an indefinite, exponentially backed-off retry
// helper for operations such as connecting to the store, the index, or
// RPC endpoints, so a caller need not hand-roll a loop. cmd/watchtower
// does not wrap its connection steps in it: a failed connection there
// ends startup.
package retry

import (
	"context"
	"time"
)

// Config describes the backoff envelope for a Retry.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultConfig matches the floor/ceiling used by the scheduler's own
// broadcast backoff (see internal/scheduler), so operators reason about a
// single backoff shape across the service.
var DefaultConfig = Config{
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Factor:       2,
}

// Retry runs a fallible operation until it succeeds or ctx is canceled.
type Retry struct {
	conf Config
}

// NewRetryIndefinite constructs a Retry from conf, falling back to
// DefaultConfig fields that are left zero.
func NewRetryIndefinite(conf *Config) *Retry {
	c := DefaultConfig
	if conf != nil {
		if conf.InitialDelay > 0 {
			c.InitialDelay = conf.InitialDelay
		}
		if conf.MaxDelay > 0 {
			c.MaxDelay = conf.MaxDelay
		}
		if conf.Factor > 1 {
			c.Factor = conf.Factor
		}
	}
	return &Retry{conf: c}
}

// Do invokes fn repeatedly, backing off exponentially, until fn returns
// nil, fn reports a non-retryable error (which is returned as is), or
// ctx is canceled (in which case ctx.Err() is returned).
func (r *Retry) Do(ctx context.Context, description string, fn func(attempt int) (retryable bool, err error)) error {
	delay := r.conf.InitialDelay
	for attempt := 0; ; attempt++ {
		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * r.conf.Factor)
		if delay > r.conf.MaxDelay {
			delay = r.conf.MaxDelay
		}
	}
}

package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits base, 2*base, 3*base, ...
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.base * time.Duration(l.attempt)
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// newBackOff builds the retry schedule for one item: at most maxRetries
// waits, stopping early when ctx is done.
func newBackOff(opts BatchOptions) backoff.BackOff {
	var b backoff.BackOff
	switch opts.BackoffKind {
	case BackoffLinear:
		b = &linearBackOff{base: opts.Backoff}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = opts.Backoff
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxInterval = time.Hour
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}
	return backoff.WithMaxRetries(b, uint64(opts.MaxAttempts))
}

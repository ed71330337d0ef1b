// Package retry wraps a fallible operation in a retry envelope with
// exponential backoff, the policy spec.md §4.F calls "retry transient
// failures forever until a Fatal outcome."
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Fatal wraps an error to signal that the retry loop must stop immediately
// instead of treating it as transient.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

// Stop wraps err so Do returns it immediately without further retries.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Err: err}
}

// Options configures a retry envelope. Zero values fall back to sane
// defaults (matching the registry clients' own backoff tuning).
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds total retry time. Zero means retry forever, which
	// is the documented behavior for transient registry/AWS failures; the
	// caller's context is what ultimately bounds this.
	MaxElapsed time.Duration
	OnRetry    func(attempt int, err error, wait time.Duration)
}

// Do runs op, retrying transient failures with exponential backoff until it
// succeeds, the context is cancelled, or op returns a *Fatal error.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}
	b.MaxElapsedTime = opts.MaxElapsed

	bctx := backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var fatal *Fatal
		if errors.As(err, &fatal) {
			return backoff.Permanent(fatal.Err)
		}
		return err
	}, bctx, func(err error, wait time.Duration) {
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, wait)
		} else {
			logrus.WithError(err).Debugf("retry: attempt %d failed, backing off %s", attempt, wait)
		}
	})
}

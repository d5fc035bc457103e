// Package retry implements the cancellable exponential-backoff loop the
// namespace service manager uses for its startup handshake (dial plus
// version request). It is a direct generalization of Telepresence's
// pkg/client.Retry.
package retry

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
)

const (
	defaultDelay    = 200 * time.Millisecond
	defaultMaxDelay = 30 * time.Second
)

// Options configures a Do call. The zero Options is defaultDelay/defaultMaxDelay
// with no overall deadline.
type Options struct {
	// Delay is the initial delay between the first and second attempt.
	Delay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxTime bounds the total time spent retrying; zero means unbounded
	// (the caller relies on ctx cancellation instead).
	MaxTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.Delay <= 0 {
		o.Delay = defaultDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxDelay < o.Delay {
		o.MaxDelay = o.Delay
	}
	return o
}

// Do runs f repeatedly with exponential backoff until it returns a nil
// error, the context is cancelled, or (if set) MaxTime elapses. It returns
// the context's error on cancellation, or a timeout error if MaxTime
// elapses first.
//
// f is polled for shouldRun-style cancellation only via ctx: callers that
// need to stop retrying on a separate atomic flag must derive a context
// that gets cancelled when that flag clears.
func Do(ctx context.Context, opts Options, f func(context.Context) error) error {
	opts = opts.withDefaults()

	if opts.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxTime)
		defer cancel()
	}

	delay := opts.Delay
	for {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dlog.Debugf(ctx, "retry: waiting %s after error: %v", delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

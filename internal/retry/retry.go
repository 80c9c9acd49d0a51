// Package retry provides the bounded-attempt wrapper used around every
// gated pipeline step. It is a pure decorator: it knows nothing about
// devices, queues or stages.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "mdsched/pkg/logx"
)

// Options controls one retried operation.
type Options struct {
	// MaxAttempts is the total attempt budget (not extra retries). <=0 uses 3.
	MaxAttempts int

	// Backoff between failed attempts: exponential from Base up to MaxDelay
	// with Jitter (0.2 = ±20%). Base <= 0 disables sleeping between attempts.
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 15 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	return o
}

// Permanent marks an error as non-retryable. Do stops immediately when the
// operation returns one (e.g. a missing input file that no retry will fix).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Do invokes fn until it succeeds or the attempt budget is exhausted.
// Each failed attempt is logged with desc; the last error is returned
// wrapped with the attempt count.
func Do(ctx context.Context, log logx.Logger, desc string, opt Options, fn func(ctx context.Context) error) error {
	opt = opt.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= opt.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var pe permanentError
		if errors.As(err, &pe) {
			log.Error("step failed permanently", logx.String("step", desc), logx.Err(pe.err))
			return pe.err
		}
		if attempt >= opt.MaxAttempts {
			break
		}
		delay := backoffDelay(opt, attempt, rng)
		log.Warn("step failed; retrying",
			logx.String("step", desc),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", opt.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Err(err))
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}
	}

	log.Error("step exhausted retries", logx.String("step", desc), logx.Int("attempts", opt.MaxAttempts), logx.Err(err))
	return fmt.Errorf("%s: %d attempts exhausted: %w", desc, opt.MaxAttempts, err)
}

func backoffDelay(opt Options, attempt int, rng *rand.Rand) time.Duration {
	if opt.Base <= 0 {
		return 0
	}
	d := opt.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > opt.MaxDelay {
			d = opt.MaxDelay
			break
		}
	}
	if opt.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > opt.MaxDelay {
		d = opt.MaxDelay
	}
	return d
}

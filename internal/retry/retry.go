// Package retry implements the bounded exponential-backoff harness (spec C2):
// run an operation up to N attempts, sleeping min(cap, base*2^(attempt-1))
// jittered between attempts, and only retrying errors the caller (or the
// operation itself, via Retryable) marks as transient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"go.uber.org/zap"
)

// retryableMarker wraps an error to flag it as transient regardless of what
// a caller-supplied Classifier would say.
type retryableMarker struct{ err error }

func (r *retryableMarker) Error() string { return r.err.Error() }
func (r *retryableMarker) Unwrap() error { return r.err }

// Retryable marks err as transient/retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableMarker{err: err}
}

// IsRetryable reports whether err was wrapped with Retryable.
func IsRetryable(err error) bool {
	var m *retryableMarker
	return errors.As(err, &m)
}

// Classifier decides whether a non-marked error should still be retried,
// e.g. classifying a 5xx or network timeout as transient.
type Classifier func(error) bool

// Policy configures one call to Do.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction, e.g. 0.2 = ±20%
	Classify    Classifier
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << uint(attempt-1)
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		delta := (rand.Float64()*2 - 1) * spread
		d = time.Duration(float64(d) + delta)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if IsRetryable(err) {
		return true
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	return false
}

// Do runs op up to p.MaxAttempts times, sleeping between attempts per the
// harness's backoff formula. Every attempt is logged with its number and
// elapsed time. The final error (unwrapped of the Retryable marker) is
// returned verbatim if all attempts are exhausted or a non-retryable error
// is hit.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	log := ctxlog.Logger(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		start := time.Now()
		err := op(ctx, attempt)
		elapsed := time.Since(start)

		if err == nil {
			log.Debug("retry attempt succeeded",
				zap.Int("attempt", attempt), zap.Duration("elapsed", elapsed))
			return nil
		}

		var marker *retryableMarker
		unwrapped := err
		if errors.As(err, &marker) {
			unwrapped = marker.err
		}
		lastErr = unwrapped

		retryable := p.retryable(err)
		log.Warn("retry attempt failed",
			zap.Int("attempt", attempt), zap.Duration("elapsed", elapsed),
			zap.Bool("retryable", retryable), zap.Error(unwrapped))

		if !retryable || attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: context canceled after attempt %d: %w", attempt, ctx.Err())
		case <-time.After(p.delay(attempt)):
		}
	}
	return lastErr
}

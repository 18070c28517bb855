// Package retry wraps the engine's retryable operations in exponential
// backoff with jitter, bounded both by an attempt count and by wall-clock
// time. Which failures count as retryable is decided by a PatternTable;
// the budget resets per outer operation so a later dataset always starts
// fresh.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Policy is the per-run retry configuration.
type Policy struct {
	// Retries is the number of re-attempts after the first try. Zero
	// disables retrying.
	Retries int

	// MinSleep and MaxSleep bound the randomized backoff delay.
	MinSleep time.Duration
	MaxSleep time.Duration

	// MaxElapsed abandons the operation once wall-clock time since its
	// first attempt exceeds this, regardless of remaining attempts.
	MaxElapsed time.Duration
}

// DefaultPolicy mirrors the original tool's defaults.
func DefaultPolicy() Policy {
	return Policy{
		Retries:    0,
		MinSleep:   125 * time.Millisecond,
		MaxSleep:   5 * time.Minute,
		MaxElapsed: 60 * time.Minute,
	}
}

// Retryer executes operations under a Policy. The clock and sleep hooks
// exist so tests run deterministically without waiting.
type Retryer struct {
	Policy   Policy
	Patterns *PatternTable
	Log      *slog.Logger

	// Now and Sleep default to the real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand draws the jitter. Defaults to the global source.
	Rand *rand.Rand
}

// New returns a Retryer with real clock and sleep.
func New(policy Policy, patterns *PatternTable, log *slog.Logger) *Retryer {
	return &Retryer{Policy: policy, Patterns: patterns, Log: log}
}

func (r *Retryer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Retryer) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retryer) jitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if r.Rand != nil {
		return r.Rand.Int63n(n)
	}
	return rand.Int63n(n)
}

// backoff computes the sleep before re-attempt k (1-based):
// Uniform(min, min*2^k) clamped to MaxSleep.
func (r *Retryer) backoff(attempt int) time.Duration {
	min := r.Policy.MinSleep
	ceil := min << uint(attempt)
	if ceil > r.Policy.MaxSleep || ceil < min {
		ceil = r.Policy.MaxSleep
	}
	if ceil <= min {
		return min
	}
	return min + time.Duration(r.jitter(int64(ceil-min)))
}

// Do runs fn, re-running it on retryable failures until the attempt budget
// or the elapsed cap runs out. The last error is returned unwrapped so
// callers can still classify it.
func (r *Retryer) Do(ctx context.Context, op string, fn func() error) error {
	start := r.now()
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= r.Policy.Retries || !r.Patterns.Retryable(err) {
			return err
		}
		if elapsed := r.now().Sub(start); elapsed > r.Policy.MaxElapsed {
			r.Log.Warn("retry budget exhausted", "op", op, "elapsed", elapsed, "attempts", attempt+1)
			return err
		}
		d := r.backoff(attempt + 1)
		r.Log.Info("retrying after transient failure", "op", op, "attempt", attempt+1, "sleep", d, "error", err)
		if serr := r.sleep(ctx, d); serr != nil {
			return err
		}
	}
}

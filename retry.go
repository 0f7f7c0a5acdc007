package rangefetch

import (
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// retryPolicy is a per-range (or per-serial-fetch) retry state machine:
// an attempt counter plus an exponential backoff delay. A fresh instance
// is used for every range, per SPEC_FULL.md §4.5.
//
// The backoff series itself is computed once, up front, via go-resiliency's
// retrier.ExponentialBackoff — the same primitive the teacher lineage's
// retryclient.go uses to build its HTTP-level RetryClient — so the delay
// this policy waits and the formula in SPEC_FULL.md §4.1
// (initialDelayMs · 2^attemptNumber) agree by construction. What
// go-resiliency's own Retrier.Run doesn't give us is a place to check
// cancellation between attempts, which is why this type re-exposes
// ShouldRetry/HandleError as an explicit loop instead of a closure.
type retryPolicy struct {
	maxRetries int
	delays     []time.Duration
	attempts   int
}

// newRetryPolicy builds a retryPolicy for up to maxRetries retries, with
// an initial delay of initialDelayMs milliseconds.
func newRetryPolicy(maxRetries int, initialDelayMs int64) *retryPolicy {
	initial := time.Duration(initialDelayMs) * time.Millisecond
	// Index 0 of ExponentialBackoff's series is `initial`; index n is
	// `initial * 2^n`. We need indices 1..maxRetries (attempt numbers
	// start at 1), so ask for one extra entry.
	delays := retrier.ExponentialBackoff(maxRetries+1, initial)
	return &retryPolicy{maxRetries: maxRetries, delays: delays}
}

// shouldRetry reports whether another attempt may be made. True at entry,
// before the first attempt has even happened — shouldRetry means "attempt,
// then possibly retry", not "a retry is pending".
func (p *retryPolicy) shouldRetry() bool {
	return p.attempts <= p.maxRetries
}

// handleError increments the attempt counter and, if the budget allows
// another attempt, sleeps the appropriate exponential delay and returns
// true (continue). Otherwise it returns false (give up) without sleeping;
// the caller is expected to re-raise the last error it saw. Cancellation
// is not this policy's concern: the caller checks it at the top of its
// retry loop, before every attempt, per SPEC_FULL.md §4.1.
func (p *retryPolicy) handleError() (continueLoop bool) {
	p.attempts++
	if p.attempts > p.maxRetries {
		return false
	}

	delay := time.Duration(0)
	if p.attempts < len(p.delays) {
		delay = p.delays[p.attempts]
	} else if len(p.delays) > 0 {
		delay = p.delays[len(p.delays)-1]
	}
	time.Sleep(delay)
	return true
}

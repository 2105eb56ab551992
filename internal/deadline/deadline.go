// Package deadline computes per-call time budgets from an absolute
// deadline, so total wall-clock time stays bounded no matter how many
// retry or fallback hops a request takes.
package deadline

import "time"

// Policy holds the timing constants applied to every budget decision.
type Policy struct {
	// SafetyMargin is reserved headroom; once remaining time drops to or
	// below it, no further upstream call is attempted.
	SafetyMargin time.Duration

	// MinCallTimeout is the floor for a single upstream call. The last
	// call before the deadline always gets at least this much.
	MinCallTimeout time.Duration

	// MaxCallTimeout caps a single upstream call.
	MaxCallTimeout time.Duration
}

// Default returns the policy used when config supplies nothing.
func Default() Policy {
	return Policy{
		SafetyMargin:   2 * time.Second,
		MinCallTimeout: 5 * time.Second,
		MaxCallTimeout: 45 * time.Second,
	}
}

// Remaining returns the time left before the deadline. Negative when past.
func (p Policy) Remaining(deadline, now time.Time) time.Duration {
	return deadline.Sub(now)
}

// CallTimeout returns the budget for the next single upstream call. The
// second return is false when there is no longer enough slack to call at
// all (remaining <= SafetyMargin); the policy fails closed.
func (p Policy) CallTimeout(deadline, now time.Time) (time.Duration, bool) {
	remaining := p.Remaining(deadline, now)
	if remaining <= p.SafetyMargin {
		return 0, false
	}

	timeout := remaining - p.SafetyMargin
	if timeout < p.MinCallTimeout {
		timeout = p.MinCallTimeout
	}
	if timeout > p.MaxCallTimeout {
		timeout = p.MaxCallTimeout
	}
	return timeout, true
}

// AllowRetry reports whether there is slack for a backoff sleep followed
// by one more call.
func (p Policy) AllowRetry(deadline, now time.Time, backoff time.Duration) bool {
	return p.Remaining(deadline, now) > backoff+p.MinCallTimeout+p.SafetyMargin
}

// AllowFallback reports whether there is slack for one more round-trip to
// a different model.
func (p Policy) AllowFallback(deadline, now time.Time) bool {
	return p.Remaining(deadline, now) > p.MinCallTimeout+p.SafetyMargin
}

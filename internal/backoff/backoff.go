// Package backoff implements the capped exponential backoff shared by the
// Modbus connection's read retry, the pool's reconnect retry, and the
// storage batch writer's retry loop.
package backoff

import (
	"time"

	"github.com/ibs-source/adam-logger/internal/ports"
)

// Next returns min(base * 2^(attempt-1), max) for attempt >= 1. attempt <
// 1 is treated as 1.
func Next(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Exponential adapts a ports.RetryPolicy into a ports.BackoffStrategy. It
// is the concrete strategy behind every capped-exponential-backoff retry
// loop in this service (the Modbus read retry, the pool's reconnect
// retry, the batch writer's flush retry, the DLQ replay retry and the
// circuit breaker's open-state cooldown), so those call sites configure
// their backoff through
// the same policy vocabulary instead of hand-rolled parameters.
type Exponential struct {
	policy ports.RetryPolicy
}

// NewExponential builds an Exponential backoff strategy from policy. A
// non-positive InitialInterval or MaxInterval falls back to 100ms/30s,
// and a non-positive MaxAttempts falls back to 1 (a single, unretried
// attempt).
func NewExponential(policy ports.RetryPolicy) *Exponential {
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 100 * time.Millisecond
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 30 * time.Second
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Exponential{policy: policy}
}

// NextInterval implements ports.BackoffStrategy: the delay before retry
// attempt, counting attempts from 1.
func (e *Exponential) NextInterval(attempt int) time.Duration {
	return Next(e.policy.InitialInterval, attempt, e.policy.MaxInterval)
}

// MaxAttempts returns the policy's configured attempt cap.
func (e *Exponential) MaxAttempts() int {
	return e.policy.MaxAttempts
}

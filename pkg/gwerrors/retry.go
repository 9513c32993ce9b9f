package gwerrors

import (
	"context"
	"time"
)

// Policy describes how many times, and with what gap, an operation that
// fails with a given Kind should be retried locally before the error is
// allowed to surface to the caller. MaxAttempts counts the initial try
// plus its retries, so "retry up to N times" is MaxAttempts: N+1.
// Grounded on spec §4.3's per-condition retry table and generalized into
// data instead of one-off call sites, per the design note in spec §9
// ("the retry wheel dispatches on that kind").
type Policy struct {
	MaxAttempts int
	Gap         time.Duration
}

// DefaultPolicies mirrors spec §4.3 exactly:
//   - TileBusy on an RPC: retry up to 4 times (5 attempts total) with a 10ms gap.
//   - EarlyDisconnect on BLE connect: retry up to 5 times (6 attempts total).
//   - Disconnected mid-flight reconnect: retry up to 3 times (reconnect_attempts).
//   - Timeout is intentionally absent: never retried automatically.
var DefaultPolicies = map[Kind]Policy{
	TileBusy:        {MaxAttempts: 5, Gap: 10 * time.Millisecond},
	EarlyDisconnect: {MaxAttempts: 6, Gap: 0},
	Disconnected:    {MaxAttempts: 4, Gap: 0},
}

// Wheel dispatches retries for fallible operations by error Kind.
type Wheel struct {
	policies map[Kind]Policy
}

// NewWheel builds a retry wheel from the given policy table. Pass nil to
// use DefaultPolicies.
func NewWheel(policies map[Kind]Policy) *Wheel {
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Wheel{policies: policies}
}

// Run invokes fn, retrying according to the policy for the Kind of the
// error fn returns, until it succeeds, the policy's attempt budget is
// exhausted, or ctx is cancelled. attemptFn receives the 1-indexed attempt
// number so callers can log each attempt per spec §4.2 ("explicit logging
// of each attempt").
func (w *Wheel) Run(ctx context.Context, attemptFn func(attempt int) error) error {
	attempt := 1
	for {
		err := attemptFn(attempt)
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		policy, ok := w.policies[kind]
		if !ok || attempt >= policy.MaxAttempts {
			return err
		}

		if policy.Gap > 0 {
			timer := time.NewTimer(policy.Gap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return New(Cancelled, "retry wheel cancelled waiting on gap for %s", kind)
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return New(Cancelled, "retry wheel cancelled for %s", kind)
			default:
			}
		}

		attempt++
	}
}

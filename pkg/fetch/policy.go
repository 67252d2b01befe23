package fetch

import (
	"math"
	"math/rand"
	"time"

	"github.com/garimpo-io/garimpo/pkg/config"
)

// Strategy selects how inter-attempt delays grow.
type Strategy string

const (
	// StrategyExponential grows the delay by a multiplier per attempt,
	// with jitter, capped at MaxDelay.
	StrategyExponential Strategy = "exponential"
	// StrategyFixed waits a constant delay between attempts.
	StrategyFixed Strategy = "fixed"
)

// Policy is a declarative retry policy consumed by the client. It is a plain
// value: the same policy can be shared by any number of call sites and
// sources, and selecting a strategy is a data decision, not a code path.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int

	// Exponential strategy parameters
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	// Fixed strategy parameter
	Delay time.Duration
}

// DefaultExponential returns the exponential-backoff policy used by sources
// without an explicit configuration.
func DefaultExponential() Policy {
	return Policy{
		Strategy:     StrategyExponential,
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// DefaultFixed returns a constant-delay policy for sources whose endpoints
// throttle bursts rather than degrade under load.
func DefaultFixed() Policy {
	return Policy{
		Strategy:    StrategyFixed,
		MaxAttempts: 5,
		Delay:       2 * time.Second,
	}
}

// PolicyFromConfig builds a policy from per-source configuration, filling
// unset parameters from the strategy's defaults.
func PolicyFromConfig(rc config.RetryConfig) Policy {
	var p Policy
	switch Strategy(rc.Strategy) {
	case StrategyFixed:
		p = DefaultFixed()
		if rc.Delay > 0 {
			p.Delay = rc.Delay
		}
	case StrategyExponential:
		p = DefaultExponential()
	default:
		p = DefaultExponential()
	}

	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelay > 0 {
		p.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.Multiplier > 0 {
		p.Multiplier = rc.Multiplier
	}
	if rc.Jitter > 0 {
		p.Jitter = rc.Jitter
	}

	return p
}

// BackoffDelay returns the delay to wait after the given zero-based attempt.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if p.Strategy == StrategyFixed {
		return p.Delay
	}

	// Base delay calculation with exponential backoff
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))

	// Apply max delay cap
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply jitter
	if p.Jitter > 0 {
		delta := delay * p.Jitter
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a copy of the policy with updated max attempts.
func (p Policy) WithMaxAttempts(attempts int) Policy {
	p.MaxAttempts = attempts
	return p
}

// WithDelay returns a copy of the policy with updated delay bounds.
func (p Policy) WithDelay(initial, max time.Duration) Policy {
	p.InitialDelay = initial
	p.MaxDelay = max
	return p
}

// Package backoff provides exponential backoff with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay before the first retry, in milliseconds.
	InitialMs float64
	// MaxMs caps the computed delay, in milliseconds.
	MaxMs float64
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// Predefined profiles. Callers pick by upstream characteristics.
var (
	// Aggressive retries fast; for in-process or loopback calls.
	Aggressive = Policy{InitialMs: 100, MaxMs: 5000, Factor: 2, Jitter: 0.10}
	// Standard is the general-purpose profile.
	Standard = Policy{InitialMs: 300, MaxMs: 30000, Factor: 2, Jitter: 0.15}
	// API suits third-party HTTP APIs with rate limits.
	API = Policy{InitialMs: 500, MaxMs: 30000, Factor: 2, Jitter: 0.25}
	// LLM suits model providers, which throttle hard and recover slow.
	LLM = Policy{InitialMs: 1000, MaxMs: 60000, Factor: 2, Jitter: 0.30}
	// Storage suits the KV store.
	Storage = Policy{InitialMs: 200, MaxMs: 10000, Factor: 2, Jitter: 0.10}
)

// Delay calculates the backoff duration for a 1-based attempt number.
func Delay(p Policy, attempt int) time.Duration {
	return DelayWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand calculates the backoff duration using a caller-provided
// random value in [0.0, 1.0). Used by tests for deterministic results.
// delay = min(maxMs, initial*factor^(attempt-1) + U[0, jitter*initial*factor^(attempt-1)]).
func DelayWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(p.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

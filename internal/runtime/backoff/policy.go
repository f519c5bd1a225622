// Package backoff holds the retry strategy shared by the producer, the
// consumer and the credits client.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded, jittered exponential backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts counts every try including the first.
	MaxAttempts int
	// Jitter spreads each delay uniformly over +/- Jitter of its value.
	Jitter float64
}

// DefaultPolicy starts at 100ms, doubles up to 5s and gives up after 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
		Jitter:          0.2,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the un-jittered wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.MaxInterval) || math.IsInf(d, 0) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Jittered spreads Delay(attempt) using u, a sample from [0, 1). The result
// never exceeds MaxInterval.
func (p Policy) Jittered(attempt int, u float64) time.Duration {
	base := float64(p.Delay(attempt))
	d := base * (1 - p.Jitter + 2*p.Jitter*u)
	if d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt may follow the given one.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// BackOff adapts the policy to a cenkalti BackOff. It returns cbackoff.Stop once
// MaxAttempts is reached.
func (p Policy) BackOff() cbackoff.BackOff {
	return &policyBackOff{policy: p.WithDefaults(), sample: rand.Float64}
}

type policyBackOff struct {
	policy  Policy
	attempt int
	sample  func() float64
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.policy.Exhausted(b.attempt) {
		return cbackoff.Stop
	}
	return b.policy.Jittered(b.attempt, b.sample())
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

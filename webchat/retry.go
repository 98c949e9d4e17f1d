// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy is a pure functional component computing the next
// reconnect delay from an attempt counter: exponential backoff capped at
// MaxDelay, with optional uniform jitter. It holds only the attempt
// counter as mutable state.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    bool
	MaxJitter time.Duration

	mu sync.Mutex
	n  int
}

// NewRetryPolicy constructs a policy from the given parameters; it applies
// no defaults of its own. NewAggregator builds its reconnect policy with
// base cfg.ReconnectInterval, a 5-minute cap, factor 2, and up to 2s of
// jitter.
func NewRetryPolicy(base, max time.Duration, factor float64, jitter bool, maxJitter time.Duration) *RetryPolicy {
	return &RetryPolicy{
		BaseDelay: base,
		MaxDelay:  max,
		Factor:    factor,
		Jitter:    jitter,
		MaxJitter: maxJitter,
	}
}

// Delay returns the delay for attempt n (0-based) without mutating state.
func (p *RetryPolicy) Delay(n int) time.Duration {
	raw := float64(p.BaseDelay) * math.Pow(p.Factor, float64(n))
	d := time.Duration(math.Min(raw, float64(p.MaxDelay)))
	if d < 0 {
		d = p.MaxDelay
	}
	if p.Jitter {
		capped := d
		if p.MaxJitter < capped {
			capped = p.MaxJitter
		}
		if capped > 0 {
			d += time.Duration(rand.Int63n(int64(capped) + 1))
		}
	}
	return d
}

// Next returns the delay for the current attempt and increments the
// counter.
func (p *RetryPolicy) Next() time.Duration {
	p.mu.Lock()
	n := p.n
	p.n++
	p.mu.Unlock()
	return p.Delay(n)
}

// Reset returns the attempt counter to zero.
func (p *RetryPolicy) Reset() {
	p.mu.Lock()
	p.n = 0
	p.mu.Unlock()
}

// Attempts returns the current attempt counter.
func (p *RetryPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"sync"
	"time"
)

// Timer wraps time.AfterFunc with idempotent arm/cancel/replace semantics,
// so that every timer-owning component (Session Engine, Connection Engine,
// Streaming Message Processor) can be made inert by a single Cancel call
// without worrying about double-fires or double-stops. This is the "timers
// as first-class resources" pattern from SPEC_FULL.md §9.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Arm schedules f to run after d, replacing any previously armed timer on
// this instance. A zero or negative d still schedules f asynchronously
// (time.AfterFunc semantics).
func (t *Timer) Arm(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, f)
}

// Cancel stops the timer if armed. Safe to call on an unarmed or already
// cancelled Timer.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Ticker wraps time.Ticker for interval-repeating work (keep-alive pings)
// with a Stop that is safe to call multiple times.
type Ticker struct {
	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// Start begins calling f every d until Stop is called. Calling Start again
// replaces the previous interval.
func (t *Ticker) Start(d time.Duration, f func()) {
	t.mu.Lock()
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
	}
	t.ticker = time.NewTicker(d)
	t.done = make(chan struct{})
	ticker, done := t.ticker, t.done
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				f()
			case <-done:
				return
			}
		}
	}()
}

// Stop halts the ticker. Safe to call on a never-started or already
// stopped Ticker.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
		t.ticker = nil
		t.done = nil
	}
}

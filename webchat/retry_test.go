// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayNoJitter(t *testing.T) {
	p := NewRetryPolicy(100*time.Millisecond, time.Second, 2, false, 0)
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryPolicyDelayWithJitter(t *testing.T) {
	p := NewRetryPolicy(100*time.Millisecond, time.Second, 2, true, 50*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := p.Delay(0)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("Delay(0) = %v, want within [100ms, 150ms]", d)
		}
	}
}

func TestRetryPolicyNextIncrementsAndResets(t *testing.T) {
	p := NewRetryPolicy(10*time.Millisecond, time.Second, 2, false, 0)
	if p.Attempts() != 0 {
		t.Fatalf("Attempts() = %d before any call, want 0", p.Attempts())
	}
	first := p.Next()
	second := p.Next()
	if first != 10*time.Millisecond {
		t.Errorf("first Next() = %v, want 10ms", first)
	}
	if second != 20*time.Millisecond {
		t.Errorf("second Next() = %v, want 20ms", second)
	}
	if p.Attempts() != 2 {
		t.Errorf("Attempts() = %d, want 2", p.Attempts())
	}
	p.Reset()
	if p.Attempts() != 0 {
		t.Errorf("Attempts() after Reset() = %d, want 0", p.Attempts())
	}
	if got := p.Next(); got != 10*time.Millisecond {
		t.Errorf("Next() after Reset() = %v, want 10ms", got)
	}
}

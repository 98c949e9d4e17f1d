// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"testing"
	"time"
)

func newTestProcessor(t *testing.T) (*Processor, *EventBus) {
	t.Helper()
	bus := NewEventBus()
	p := NewProcessor(bus, nil, time.Millisecond, 50*time.Millisecond, 2*time.Second, true, nil)
	t.Cleanup(p.Close)
	return p, bus
}

func collectProcessed(bus *EventBus) (<-chan Message, Subscription) {
	ch := make(chan Message, 32)
	sub := bus.Subscribe(EventMessageProcessed, func(payload any) {
		if m, ok := payload.(Message); ok {
			ch <- m
		}
	})
	return ch, sub
}

func collectUpdated(bus *EventBus) (<-chan MessageUpdate, Subscription) {
	ch := make(chan MessageUpdate, 32)
	sub := bus.Subscribe(EventMessageUpdated, func(payload any) {
		if u, ok := payload.(MessageUpdate); ok {
			ch <- u
		}
	})
	return ch, sub
}

// Scenario: a plain `message` frame is delivered as-is.
func TestProcessorHandlesPlainMessage(t *testing.T) {
	p, bus := newTestProcessor(t)
	processed, _ := collectProcessed(bus)

	p.HandleFrame(map[string]any{
		"type": "message",
		"id":   "m1",
		"message": map[string]any{
			"type": "text",
			"text": "hello",
		},
	})

	select {
	case m := <-processed:
		if m.Text != "hello" || m.ID != "m1" {
			t.Errorf("processed message = %+v, want text=hello id=m1", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message:processed was not emitted")
	}
}

// Scenario: a full stream_start -> delta(s) -> stream_end sequence assembles
// the text in order and finalizes it.
func TestProcessorAssemblesOrderedStream(t *testing.T) {
	p, bus := newTestProcessor(t)
	processed, _ := collectProcessed(bus)
	updated, _ := collectUpdated(bus)

	p.HandleFrame(map[string]any{"type": "stream_start", "id": "s1"})

	// stream_start itself is silent; the initial message:processed is
	// deferred until the first delta actually arrives.
	p.HandleFrame(map[string]any{"id": "s1", "seq": float64(1), "v": "Hel"})
	select {
	case m := <-processed:
		if m.Status != StatusStreaming || m.ID != "msg_s1" {
			t.Fatalf("initial streaming message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("first delta did not emit the deferred initial message:processed")
	}
	p.HandleFrame(map[string]any{"id": "s1", "seq": float64(2), "v": "lo"})

	var lastText string
	for i := 0; i < 2; i++ {
		select {
		case u := <-updated:
			lastText = u.Text
		case <-time.After(time.Second):
			t.Fatal("delta did not emit message:updated")
		}
	}
	if lastText != "Hello" {
		t.Fatalf("assembled text = %q, want %q", lastText, "Hello")
	}

	p.HandleFrame(map[string]any{"type": "stream_end", "id": "s1"})
	select {
	case u := <-updated:
		if u.Status != StatusDelivered || u.Text != "Hello" {
			t.Errorf("stream_end update = %+v, want delivered/Hello", u)
		}
	case <-time.After(time.Second):
		t.Fatal("stream_end did not emit message:updated")
	}
}

// Scenario: deltas that arrive out of order are buffered and applied once
// the gap closes.
func TestProcessorBuffersOutOfOrderDeltas(t *testing.T) {
	p, bus := newTestProcessor(t)
	_, _ = collectProcessed(bus)
	updated, _ := collectUpdated(bus)

	p.HandleFrame(map[string]any{"type": "stream_start", "id": "s2"})
	p.HandleFrame(map[string]any{"id": "s2", "seq": float64(2), "v": "B"})
	p.HandleFrame(map[string]any{"id": "s2", "seq": float64(3), "v": "C"})

	select {
	case <-updated:
		t.Fatal("message:updated fired before the gap (seq 1) was filled")
	case <-time.After(50 * time.Millisecond):
	}

	p.HandleFrame(map[string]any{"id": "s2", "seq": float64(1), "v": "A"})
	select {
	case u := <-updated:
		if u.Text != "ABC" {
			t.Errorf("assembled text after gap fill = %q, want %q", u.Text, "ABC")
		}
	case <-time.After(time.Second):
		t.Fatal("message:updated was not emitted after the gap closed")
	}
}

// Scenario: a delta arrives with no preceding stream_start; the processor
// synthesizes a stream rather than dropping the data.
func TestProcessorSyntheticStreamFallback(t *testing.T) {
	p, bus := newTestProcessor(t)
	processed, _ := collectProcessed(bus)
	updated, _ := collectUpdated(bus)

	p.HandleFrame(map[string]any{"id": "s3", "seq": float64(1), "v": "Hi"})

	select {
	case m := <-processed:
		if m.ID != "msg_s3" || m.Status != StatusStreaming {
			t.Errorf("synthetic stream initial message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("synthetic stream did not emit an initial message:processed")
	}

	select {
	case u := <-updated:
		if u.Text != "Hi" {
			t.Errorf("synthetic stream first update text = %q, want %q", u.Text, "Hi")
		}
	case <-time.After(time.Second):
		t.Fatal("synthetic stream did not emit message:updated for its first delta")
	}
}

// Scenario: an identical finalized text arriving again (server echo) is
// suppressed by the dedup window.
func TestProcessorDedupSuppressesRepeatedMessage(t *testing.T) {
	p, bus := newTestProcessor(t)
	processed, _ := collectProcessed(bus)

	frame := map[string]any{
		"type": "message",
		"id":   "m1",
		"message": map[string]any{
			"type": "text",
			"text": "repeat me",
		},
	}
	p.HandleFrame(frame)
	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("first message was not processed")
	}

	p.HandleFrame(map[string]any{
		"type": "message",
		"id":   "m2",
		"message": map[string]any{
			"type": "text",
			"text": "repeat me",
		},
	})
	select {
	case m := <-processed:
		t.Fatalf("duplicate message was delivered instead of suppressed: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario: a typing_start frame raises the typing indicator, and it is
// suppressed once stream assembly has made progress.
func TestProcessorTypingIndicatorSuppressedOnceStreamProgresses(t *testing.T) {
	p, bus := newTestProcessor(t)
	started := make(chan struct{}, 1)
	bus.Subscribe(EventTypingStart, func(any) {
		select {
		case started <- struct{}{}:
		default:
		}
	})

	p.HandleFrame(map[string]any{"type": "typing_start", "from": "end-user"})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("typing_start did not raise typing:start")
	}

	p.HandleFrame(map[string]any{"type": "stream_start", "id": "s4"})
	p.HandleFrame(map[string]any{"id": "s4", "seq": float64(1), "v": "x"})

	// A further typing_start should now be ignored; the stream has progressed.
	p.HandleFrame(map[string]any{"type": "typing_start", "from": "end-user"})
	select {
	case <-started:
		t.Fatal("typing:start fired again after stream assembly progressed past seq 1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSeqFromFrameRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		frame map[string]any
		want  bool
	}{
		{"missing", map[string]any{}, false},
		{"zero", map[string]any{"seq": float64(0)}, false},
		{"negative", map[string]any{"seq": float64(-1)}, false},
		{"fractional", map[string]any{"seq": float64(1.5)}, false},
		{"valid", map[string]any{"seq": float64(3)}, true},
	}
	for _, tt := range tests {
		_, ok := seqFromFrame(tt.frame)
		if ok != tt.want {
			t.Errorf("seqFromFrame(%v) ok = %v, want %v", tt.frame, ok, tt.want)
		}
	}
}

// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// frameKind is the classification spec.md §4.5.1 assigns to every
// inbound frame.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameMessage
	frameStreamStart
	frameDelta
	frameStreamEnd
	frameTypingStart
)

func classify(frame map[string]any) frameKind {
	if t, ok := frame["type"].(string); ok {
		switch t {
		case "message":
			return frameMessage
		case "stream_start":
			return frameStreamStart
		case "stream_end":
			return frameStreamEnd
		case "typing_start":
			return frameTypingStart
		default:
			return frameUnknown
		}
	}
	if _, hasV := frame["v"]; hasV {
		if _, hasSeq := frame["seq"]; hasSeq {
			return frameDelta
		}
	}
	if msg, ok := frame["message"].(map[string]any); ok {
		if t, ok := msg["type"].(string); ok {
			switch t {
			case "message":
				return frameMessage
			case "stream_start":
				return frameStreamStart
			case "stream_end":
				return frameStreamEnd
			}
		}
	}
	return frameUnknown
}

// activeStream is the ephemeral record for an in-progress incoming
// streamed message (spec.md §3). At most one is active at a time.
type activeStream struct {
	id              string
	text            string
	timestamp       int64
	nextExpectedSeq int
	pendingDeltas   map[int]string
	messageEmitted  bool
}

// MessageUpdate is the incremental-update observation emitted while a
// stream is assembling, and the final observation emitted at stream_end.
type MessageUpdate struct {
	ID        string
	Text      string
	Status    Status
	Timestamp int64
}

// dedupWindow is the fixed-capacity ordered sequence of recently
// finalized incoming texts used to drop server echoes (spec.md §3).
type dedupWindow struct {
	capacity int
	entries  []string
}

func newDedupWindow(capacity int) *dedupWindow {
	return &dedupWindow{capacity: capacity}
}

func (w *dedupWindow) contains(text string) bool {
	for _, e := range w.entries {
		if e == text {
			return true
		}
	}
	return false
}

func (w *dedupWindow) add(text string) {
	w.entries = append(w.entries, text)
	if len(w.entries) > w.capacity {
		w.entries = w.entries[len(w.entries)-w.capacity:]
	}
}

const dedupWindowCapacity = 5

// Processor is the Streaming Message Processor: frame classification,
// streaming assembly with gap buffering, synthetic-stream fallback,
// duplicate suppression, and typing/thinking indicator arbitration
// (spec.md §4.5).
type Processor struct {
	bus *EventBus
	log *slog.Logger

	enableIndicator bool
	typingTimeout   time.Duration
	typingDelay     time.Duration

	mu     sync.Mutex
	stream *activeStream
	dedup  *dedupWindow

	typingActive   bool
	thinkingActive bool
	indicatorTimer Timer

	limiter  *rate.Limiter
	deliverQ chan Message
	deliverWG sync.WaitGroup

	metrics *Metrics
}

// NewProcessor constructs a Processor. messageDelay paces the delivery of
// non-streamed messages via a token-bucket limiter (one token per
// messageDelay, burst 1), per SPEC_FULL.md §4.5.
func NewProcessor(bus *EventBus, log *slog.Logger, messageDelay, typingTimeout, typingDelay time.Duration, enableIndicator bool, metrics *Metrics) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	var limit rate.Limit
	if messageDelay <= 0 {
		limit = rate.Inf
	} else {
		limit = rate.Every(messageDelay)
	}
	p := &Processor{
		bus:             bus,
		log:             log,
		enableIndicator: enableIndicator,
		typingTimeout:   typingTimeout,
		typingDelay:     typingDelay,
		dedup:           newDedupWindow(dedupWindowCapacity),
		limiter:         rate.NewLimiter(limit, 1),
		deliverQ:        make(chan Message, 256),
		metrics:         metrics,
	}
	p.deliverWG.Add(1)
	go p.deliverLoop()
	return p
}

// Close drains and stops the delivery queue goroutine.
func (p *Processor) Close() {
	close(p.deliverQ)
	p.deliverWG.Wait()
	p.indicatorTimer.Cancel()
}

func (p *Processor) deliverLoop() {
	defer p.deliverWG.Done()
	ctx := context.Background()
	for msg := range p.deliverQ {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.metrics.MessageDelivered()
		p.bus.Emit(EventMessageProcessed, msg)
	}
}

// HandleFrame dispatches frame by classification. It is wired as
// Connection.OnFrame by the Aggregator.
func (p *Processor) HandleFrame(frame map[string]any) {
	switch classify(frame) {
	case frameMessage:
		p.handleMessage(frame)
	case frameStreamStart:
		p.handleStreamStart(frame)
	case frameDelta:
		p.handleDelta(frame)
	case frameStreamEnd:
		p.handleStreamEnd(frame)
	case frameTypingStart:
		p.handleTypingStart(frame)
	default:
		p.bus.Emit(EventMessageUnknown, frame)
	}
}

func frameID(frame map[string]any) (string, bool) {
	if id, ok := frame["id"].(string); ok && id != "" {
		return id, true
	}
	if msg, ok := frame["message"].(map[string]any); ok {
		if id, ok := msg["messageId"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func (p *Processor) handleMessage(frame map[string]any) {
	msgAny, _ := frame["message"].(map[string]any)
	text, _ := msgAny["text"].(string)

	id, ok := frameID(frame)
	if !ok {
		id = newMessageID()
	}
	msg := Message{
		ID:        id,
		Type:      MessageText,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Direction: DirectionIncoming,
		Status:    StatusDelivered,
	}
	if t, ok := msgAny["type"].(string); ok && t != "" {
		msg.Type = MessageType(t)
	}

	p.mu.Lock()
	suppressed := p.dedup.contains(text)
	p.mu.Unlock()
	if suppressed {
		p.metrics.DedupSuppressed()
		return
	}

	p.stopIndicators()

	p.mu.Lock()
	p.dedup.add(text)
	p.mu.Unlock()

	p.bus.Emit(EventMessageReceived, msg)
	p.deliverQ <- msg
}

func (p *Processor) handleStreamStart(frame map[string]any) {
	id, ok := frameID(frame)
	if !ok {
		p.bus.Emit(EventError, ErrorPayload{Err: protocolErrorf("stream_start missing id")})
		return
	}
	p.mu.Lock()
	p.stream = &activeStream{
		id:              "msg_" + id,
		timestamp:       time.Now().UnixMilli(),
		nextExpectedSeq: 1,
		pendingDeltas:   map[int]string{},
	}
	p.mu.Unlock()
	p.metrics.StreamActive(true)
}

// seqFromFrame extracts and validates the seq field: it must be present,
// numeric, and a positive integer, per spec.md §4.5.2's strict validity
// rule.
func seqFromFrame(frame map[string]any) (int, bool) {
	raw, ok := frame["seq"]
	if !ok {
		return 0, false
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	if f != float64(int64(f)) {
		return 0, false
	}
	n := int64(f)
	if n <= 0 {
		return 0, false
	}
	return int(n), true
}

func (p *Processor) handleDelta(frame map[string]any) {
	seq, ok := seqFromFrame(frame)
	if !ok {
		return
	}
	v, _ := frame["v"].(string)

	p.mu.Lock()
	if p.stream == nil {
		id, _ := frame["id"].(string)
		p.stream = &activeStream{
			id:              "msg_" + id,
			timestamp:       time.Now().UnixMilli(),
			nextExpectedSeq: 1,
			pendingDeltas:   map[int]string{},
			messageEmitted:  true,
		}
		streamID := p.stream.id
		p.mu.Unlock()
		p.metrics.StreamActive(true)
		p.bus.Emit(EventMessageProcessed, Message{
			ID:        streamID,
			Type:      MessageText,
			Status:    StatusStreaming,
			Timestamp: p.stream.timestamp,
			Direction: DirectionIncoming,
		})
		p.mu.Lock()
	}

	s := p.stream
	firstDelta := s.nextExpectedSeq == 1 && !s.messageEmitted

	switch {
	case seq == s.nextExpectedSeq:
		s.text += v
		s.nextExpectedSeq++
		for {
			next, buffered := s.pendingDeltas[s.nextExpectedSeq]
			if !buffered {
				break
			}
			s.text += next
			delete(s.pendingDeltas, s.nextExpectedSeq)
			s.nextExpectedSeq++
		}
	case seq > s.nextExpectedSeq:
		s.pendingDeltas[seq] = v
		p.mu.Unlock()
		return
	default:
		// Duplicate: seq < nextExpectedSeq. Ignored, never retroactive.
		p.mu.Unlock()
		return
	}

	text := s.text
	streamID := s.id
	ts := s.timestamp
	if firstDelta {
		s.messageEmitted = true
	}
	p.mu.Unlock()

	if firstDelta {
		p.stopIndicators()
		p.bus.Emit(EventMessageProcessed, Message{
			ID:        streamID,
			Type:      MessageText,
			Status:    StatusStreaming,
			Timestamp: ts,
			Direction: DirectionIncoming,
		})
	}

	p.bus.Emit(EventMessageUpdated, MessageUpdate{
		ID:     streamID,
		Text:   text,
		Status: StatusStreaming,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Processor) handleStreamEnd(frame map[string]any) {
	id, ok := frameID(frame)
	if !ok {
		p.bus.Emit(EventError, ErrorPayload{Err: protocolErrorf("stream_end missing id")})
		return
	}
	prefixed := "msg_" + id

	p.mu.Lock()
	text := ""
	streamID := prefixed
	if p.stream != nil && p.stream.id == prefixed {
		text = p.stream.text
		streamID = p.stream.id
		p.stream = nil
	}
	p.dedup.add(text)
	p.mu.Unlock()

	p.stopIndicators()
	p.metrics.StreamActive(false)

	p.bus.Emit(EventMessageUpdated, MessageUpdate{
		ID:        streamID,
		Text:      text,
		Status:    StatusDelivered,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Processor) handleTypingStart(frame map[string]any) {
	if !p.enableIndicator {
		return
	}
	p.mu.Lock()
	if p.stream != nil && p.stream.nextExpectedSeq > 1 {
		p.mu.Unlock()
		return
	}
	from, _ := frame["from"].(string)
	thinking := from == "ai-assistant"
	if thinking {
		p.thinkingActive = true
	} else {
		p.typingActive = true
	}
	p.mu.Unlock()

	if thinking {
		p.bus.Emit(EventThinkingStart, nil)
	} else {
		p.bus.Emit(EventTypingStart, nil)
	}
	p.indicatorTimer.Arm(p.typingTimeout, p.stopIndicators)
}

// stopIndicators clears both indicator states (if active) and cancels
// the arm timer. Safe to call when no indicator is active.
func (p *Processor) stopIndicators() {
	p.mu.Lock()
	wasTyping := p.typingActive
	wasThinking := p.thinkingActive
	p.typingActive = false
	p.thinkingActive = false
	p.mu.Unlock()
	p.indicatorTimer.Cancel()
	if wasTyping {
		p.bus.Emit(EventTypingStop, nil)
	}
	if wasThinking {
		p.bus.Emit(EventThinkingStop, nil)
	}
}

// ScheduleOutboundTypingIndicator raises the typing indicator after
// typingDelay unless an indicator is already active at that moment. The
// Aggregator calls it after each successful outbound send when
// EnableTypingIndicator is set.
func (p *Processor) ScheduleOutboundTypingIndicator() {
	var t Timer
	t.Arm(p.typingDelay, func() {
		p.mu.Lock()
		active := p.typingActive || p.thinkingActive
		if !active {
			p.typingActive = true
		}
		p.mu.Unlock()
		if !active {
			p.bus.Emit(EventTypingStart, nil)
		}
	})
}

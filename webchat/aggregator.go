// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"log/slog"
	"time"
)

// View is the single materialized source of truth the State Aggregator
// exposes to the embedding application (spec.md §4.6).
type View struct {
	Messages         []Message
	SessionID        string
	ConnectionStatus ConnState
	Context          string
	Typing           bool
	Thinking         bool
	LastError        *CoreError
}

func (v View) clone() View {
	out := v
	out.Messages = append([]Message(nil), v.Messages...)
	return out
}

// Aggregator is the State Aggregator: it holds the canonical view and
// wires the Session Engine, Connection Engine, and Streaming Message
// Processor together, per spec.md §4.6. All view mutations are
// serialized through a single internal goroutine (the Go expression of
// the single-threaded cooperative scheduling model in spec.md §5), so no
// component ever takes a lock to read or write the view directly.
type Aggregator struct {
	bus     *EventBus
	cfg     Config
	log     *slog.Logger
	session *SessionEngine
	conn    *Connection
	proc    *Processor
	metrics *Metrics

	actions chan func()
	done    chan struct{}

	view View
}

// NewAggregator wires a complete core instance from cfg and the
// caller-supplied store: a SessionEngine over store, a Connection Engine,
// and a Streaming Message Processor, all sharing one EventBus.
func NewAggregator(cfg Config, store Store) *Aggregator {
	cfg = cfg.normalize()
	bus := NewEventBus()
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewNoopMetrics()
	}

	retry := NewRetryPolicy(cfg.ReconnectInterval, 5*time.Minute, 2, true, 2*time.Second)
	conn := NewConnection(cfg, bus, retry, metrics)
	proc := NewProcessor(bus, cfg.Logger, cfg.MessageDelay, cfg.TypingTimeout, cfg.TypingDelay, cfg.EnableTypingIndicator, metrics)
	conn.OnFrame = proc.HandleFrame
	sessionEngine := NewSessionEngine(store, bus, cfg)

	a := &Aggregator{
		bus:     bus,
		cfg:     cfg,
		log:     cfg.Logger,
		session: sessionEngine,
		conn:    conn,
		proc:    proc,
		metrics: metrics,
		actions: make(chan func(), 64),
		done:    make(chan struct{}),
		view: View{
			ConnectionStatus: StateDisconnected,
		},
	}
	go a.run()
	a.wireEvents()
	a.bus.Emit(EventInitialized, nil)
	return a
}

func (a *Aggregator) run() {
	for {
		select {
		case fn := <-a.actions:
			fn()
		case <-a.done:
			return
		}
	}
}

// do enqueues fn on the serialization loop and blocks until it has run.
func (a *Aggregator) do(fn func()) {
	reply := make(chan struct{})
	select {
	case a.actions <- func() { fn(); close(reply) }:
		<-reply
	case <-a.done:
	}
}

func (a *Aggregator) wireEvents() {
	a.bus.Subscribe(EventMessageProcessed, func(payload any) {
		msg, ok := payload.(Message)
		if !ok {
			return
		}
		a.AddMessage(msg)
	})
	a.bus.Subscribe(EventMessageUpdated, func(payload any) {
		u, ok := payload.(MessageUpdate)
		if !ok {
			return
		}
		// Applied via the non-emitting path: this handler is what drives
		// the update in the first place (the Streaming Message Processor
		// publishes EventMessageUpdated for every delta), so routing it
		// through the public, re-emitting UpdateMessage would feed the
		// event straight back into this handler.
		a.applyMessageUpdate(u.ID, func(m *Message) {
			m.Text = u.Text
			m.Status = u.Status
			m.Timestamp = u.Timestamp
		}, false)
	})
	a.bus.Subscribe(EventConnectionStatusChanged, func(payload any) {
		s, ok := payload.(ConnState)
		if !ok {
			return
		}
		a.SetConnectionStatus(s)
	})
	a.bus.Subscribe(EventTypingStart, func(any) { a.SetTyping(true) })
	a.bus.Subscribe(EventTypingStop, func(any) { a.SetTyping(false) })
	a.bus.Subscribe(EventThinkingStart, func(any) { a.SetThinking(true) })
	a.bus.Subscribe(EventThinkingStop, func(any) { a.SetThinking(false) })
	a.bus.Subscribe(EventError, func(payload any) {
		p, ok := payload.(ErrorPayload)
		if !ok {
			return
		}
		a.SetError(p.Err)
	})
}

func (a *Aggregator) emitChanged(old, new View) {
	a.bus.Emit(EventStateChanged, StateChangedPayload{Old: old, New: new})
}

// Snapshot returns a copy of the current view.
func (a *Aggregator) Snapshot() View {
	var v View
	a.do(func() { v = a.view.clone() })
	return v
}

// AddMessage appends msg to the view and the persisted conversation log.
func (a *Aggregator) AddMessage(msg Message) {
	a.do(func() {
		old := a.view.clone()
		a.view.Messages = append(a.view.Messages, msg)
		a.emitChanged(old, a.view.clone())
		a.bus.Emit(EventMessageAdded, msg)
	})
	if err := a.session.AppendToConversation(msg, 0); err != nil {
		a.log.Warn("failed to persist appended message", "error", err)
	}
}

// UpdateMessage applies patch to the message with id, if present. It is a
// no-op if no message matches, per spec.md §4.6.
func (a *Aggregator) UpdateMessage(id string, patch func(*Message)) {
	a.applyMessageUpdate(id, patch, true)
}

// applyMessageUpdate does the actual view mutation and persistence shared
// by UpdateMessage and the internal EventMessageUpdated handler. emitUpdated
// is false for the latter, since that handler exists to apply an
// EventMessageUpdated payload in the first place — re-emitting it there
// would feed the event back into itself.
func (a *Aggregator) applyMessageUpdate(id string, patch func(*Message), emitUpdated bool) *Message {
	var updated *Message
	var u Message
	a.do(func() {
		old := a.view.clone()
		for i := range a.view.Messages {
			if a.view.Messages[i].ID == id {
				patch(&a.view.Messages[i])
				updated = &a.view.Messages[i]
				break
			}
		}
		if updated == nil {
			return
		}
		u = *updated
		a.emitChanged(old, a.view.clone())
	})
	// Emitted outside the serialization loop: the EventMessageUpdated
	// subscriber in wireEvents calls back into do, which would block
	// forever if this ran on the loop itself.
	if updated != nil && emitUpdated {
		a.bus.Emit(EventMessageUpdated, MessageUpdate{
			ID:        u.ID,
			Text:      u.Text,
			Status:    u.Status,
			Timestamp: u.Timestamp,
		})
	}
	if updated != nil {
		if err := a.session.UpdateConversation(id, patch); err != nil {
			a.log.Warn("failed to persist updated message", "error", err)
		}
	}
	return updated
}

// RemoveMessage drops the message with id from the view, if present.
func (a *Aggregator) RemoveMessage(id string) {
	a.do(func() {
		old := a.view.clone()
		out := a.view.Messages[:0]
		removed := false
		for _, m := range a.view.Messages {
			if m.ID == id {
				removed = true
				continue
			}
			out = append(out, m)
		}
		a.view.Messages = out
		if !removed {
			return
		}
		a.emitChanged(old, a.view.clone())
		a.bus.Emit(EventMessageRemoved, id)
	})
}

// ClearMessages empties the view's message list but preserves the
// session, per spec.md §4.6.
func (a *Aggregator) ClearMessages() {
	a.do(func() {
		old := a.view.clone()
		a.view.Messages = nil
		a.emitChanged(old, a.view.clone())
		a.bus.Emit(EventMessagesCleared, nil)
	})
	if err := a.session.SetConversation(nil); err != nil {
		a.log.Warn("failed to persist cleared conversation", "error", err)
	}
}

// SetConnectionStatus mirrors a Connection Engine transition into the view.
func (a *Aggregator) SetConnectionStatus(s ConnState) {
	a.do(func() {
		old := a.view.clone()
		a.view.ConnectionStatus = s
		a.emitChanged(old, a.view.clone())
	})
}

// SetSession binds id as the view's current session id, delegating the
// identity change to the Session Engine.
func (a *Aggregator) SetSession(id string) error {
	if err := a.session.SetSessionID(id); err != nil {
		return err
	}
	a.do(func() {
		old := a.view.clone()
		a.view.SessionID = id
		a.view.Messages = nil
		a.emitChanged(old, a.view.clone())
	})
	return nil
}

// SetContext sets the free-form conversational context string.
func (a *Aggregator) SetContext(ctx string) {
	a.do(func() {
		old := a.view.clone()
		a.view.Context = ctx
		a.emitChanged(old, a.view.clone())
		a.bus.Emit(EventContextChanged, ctx)
	})
}

// SetTyping sets the typing indicator flag.
func (a *Aggregator) SetTyping(active bool) {
	a.do(func() {
		if a.view.Typing == active {
			return
		}
		old := a.view.clone()
		a.view.Typing = active
		a.emitChanged(old, a.view.clone())
	})
}

// SetThinking sets the thinking indicator flag.
func (a *Aggregator) SetThinking(active bool) {
	a.do(func() {
		if a.view.Thinking == active {
			return
		}
		old := a.view.clone()
		a.view.Thinking = active
		a.emitChanged(old, a.view.clone())
	})
}

// SetError records the last error in the view and emits EventStateChanged,
// so a subscriber reading the view observes the last error, not just the
// transient EventError the source component raised.
func (a *Aggregator) SetError(err *CoreError) {
	a.do(func() {
		old := a.view.clone()
		a.view.LastError = err
		a.emitChanged(old, a.view.clone())
	})
}

// Reset drops the view to its initial state (no messages, no session,
// indicators off, connection status disconnected), per spec.md §4.6.
func (a *Aggregator) Reset() {
	a.do(func() {
		a.view = View{ConnectionStatus: StateDisconnected}
		a.bus.Emit(EventStateReset, nil)
	})
}

// Bus returns the event bus consumers subscribe to.
func (a *Aggregator) Bus() *EventBus { return a.bus }

// Connect resolves or creates a session, then dials the Connection
// Engine, replaying the resolved session id and configured channel in
// the registration frame.
func (a *Aggregator) Connect(ctx context.Context) error {
	sessionID, err := a.session.GetOrCreate(ctx)
	if err != nil {
		return err
	}
	a.do(func() {
		old := a.view.clone()
		a.view.SessionID = sessionID
		a.emitChanged(old, a.view.clone())
	})
	reg := RegistrationData{
		SessionID:   sessionID,
		Callback:    BuildCallback(a.cfg.Host, a.cfg.ChannelUUID),
		SessionType: "session",
		Token:       a.cfg.SessionToken,
	}
	return a.conn.ConnectAndWait(ctx, reg)
}

// Disconnect tears down the transport. permanent forces auto-reconnect
// off for the remainder of this instance's lifetime.
func (a *Aggregator) Disconnect(permanent bool) {
	a.conn.Disconnect(permanent)
}

// sendPayload validates and dispatches an outbound `message` frame,
// recording a pending-then-sent outgoing Message in the view.
func (a *Aggregator) sendPayload(ctx context.Context, p OutgoingPayload) error {
	if err := ValidateOutgoingPayload(p); err != nil {
		return err
	}
	id := newMessageID()
	msg := Message{
		ID:        id,
		Type:      p.Type,
		Text:      p.Text,
		Media:     p.Media,
		Timestamp: time.Now().UnixMilli(),
		Direction: DirectionOutgoing,
		Status:    StatusPending,
	}
	a.AddMessage(msg)
	snap := a.Snapshot()

	frame := map[string]any{
		"type":    "message",
		"from":    snap.SessionID,
		"context": snap.Context,
		"message": messagePayload(p),
	}
	if err := a.conn.Send(ctx, frame); err != nil {
		a.UpdateMessage(id, func(m *Message) { m.Status = StatusError })
		return err
	}
	a.UpdateMessage(id, func(m *Message) { m.Status = StatusSent })
	a.session.SetLastMessageSentAt(time.Now())
	a.bus.Emit(EventMessageSent, id)
	if a.cfg.EnableTypingIndicator {
		a.proc.ScheduleOutboundTypingIndicator()
	}
	return nil
}

// SendText sends a plain text message.
func (a *Aggregator) SendText(ctx context.Context, text string) error {
	return a.sendPayload(ctx, OutgoingPayload{Type: MessageText, Text: text})
}

// SendMedia sends a media message of the given type.
func (a *Aggregator) SendMedia(ctx context.Context, t MessageType, media Media) error {
	return a.sendPayload(ctx, OutgoingPayload{Type: t, Media: &media})
}

// SendCustomField dispatches a `set_custom_field` frame after validating
// the single key/value pair.
func (a *Aggregator) SendCustomField(ctx context.Context, key string, value any) error {
	if err := ValidateCustomFields(map[string]any{key: value}); err != nil {
		return err
	}
	return a.conn.Send(ctx, map[string]any{
		"type": "set_custom_field",
		"data": map[string]any{"key": key, "value": value},
	})
}

// SendWithFields dispatches a `message_with_fields` frame, validating
// both the message payload and the free-form data map.
func (a *Aggregator) SendWithFields(ctx context.Context, p OutgoingPayload, data map[string]any) error {
	if err := ValidateOutgoingPayload(p); err != nil {
		return err
	}
	if err := ValidateCustomFields(data); err != nil {
		return err
	}
	snap := a.Snapshot()
	frame := map[string]any{
		"type":    "message_with_fields",
		"from":    snap.SessionID,
		"context": snap.Context,
		"data":    data,
		"message": messagePayload(p),
	}
	return a.conn.Send(ctx, frame)
}

// messagePayload renders p's shape for the wire `message` object, only
// including media when the payload actually carries one.
func messagePayload(p OutgoingPayload) map[string]any {
	m := map[string]any{
		"type": string(p.Type),
		"text": p.Text,
	}
	if p.Media != nil {
		m["media"] = p.Media
	}
	return m
}

// Destroy permanently disconnects the Connection Engine (cancelling its
// reconnect and keep-alive timers), drains and stops the Processor's
// delivery queue and cancels its indicator timer, stops the view loop, and
// emits EventDestroyed. It does not cancel the Session Engine's cache and
// contact timers or a pending outbound typing indicator, and it does not
// remove subscriptions from the bus.
func (a *Aggregator) Destroy() {
	a.conn.Destroy()
	a.proc.Close()
	close(a.done)
	a.bus.Emit(EventDestroyed, nil)
}

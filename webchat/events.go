// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import "sync"

// EventName identifies an event published on the core's bus. Values mirror
// the event surface enumerated in the wire specification.
type EventName string

const (
	EventInitialized               EventName = "initialized"
	EventDestroyed                 EventName = "destroyed"
	EventConnected                 EventName = "connected"
	EventDisconnected              EventName = "disconnected"
	EventReconnecting              EventName = "reconnecting"
	EventConnectionStatusChanged   EventName = "connection:status:changed"
	EventContactTimeoutMaxReached  EventName = "contact:timeout:maximum_time_reached"
	EventMessageReceived           EventName = "message:received"
	EventMessageSent               EventName = "message:sent"
	EventMessageAdded              EventName = "message:added"
	EventMessageUpdated            EventName = "message:updated"
	EventMessageRemoved            EventName = "message:removed"
	EventMessageProcessed          EventName = "message:processed"
	EventMessageUnknown            EventName = "message:unknown"
	EventMessagesCleared           EventName = "messages:cleared"
	EventTypingStart               EventName = "typing:start"
	EventTypingStop                EventName = "typing:stop"
	EventThinkingStart             EventName = "thinking:start"
	EventThinkingStop              EventName = "thinking:stop"
	EventSessionRestored           EventName = "session:restored"
	EventSessionCleared            EventName = "session:cleared"
	EventStateChanged              EventName = "state:changed"
	EventStateReset                EventName = "state:reset"
	EventContextChanged            EventName = "context:changed"
	EventHistoryLoaded             EventName = "history:loaded"
	EventError                     EventName = "error"
)

// Handler receives the payload published for an event. Payloads are typed
// per event (for example StateChangedPayload, ErrorPayload, Message,
// MessageUpdate, or a plain id string); a handler that only cares
// about a subset of events type-asserts or ignores payload.
type Handler func(payload any)

// Subscription is returned by EventBus.Subscribe and can be passed to
// Unsubscribe to remove the handler.
type Subscription struct {
	name EventName
	id   uint64
}

// EventBus is a minimal typed pub/sub facility. It is the sole channel
// through which the core communicates with the embedding application;
// no component reaches into another's fields. Safe for concurrent use.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventName]map[uint64]Handler
	nextID   uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventName]map[uint64]Handler)}
}

// Subscribe registers h to be called whenever name is emitted.
func (b *EventBus) Subscribe(name EventName, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]Handler)
	}
	b.handlers[name][id] = h
	return Subscription{name: name, id: id}
}

// Unsubscribe removes a previously registered handler. It is a no-op if
// the subscription was already removed.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.handlers[sub.name]; ok {
		delete(set, sub.id)
	}
}

// Emit calls every handler subscribed to name with payload. Handlers run
// synchronously, in registration order is not guaranteed (map iteration);
// callers that need ordering across handlers should not rely on this bus
// for it — only the per-stream and per-queue orderings in §5 are
// guaranteed by the owning component, not by the bus.
func (b *EventBus) Emit(name EventName, payload any) {
	b.mu.RLock()
	set := b.handlers[name]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// StateChangedPayload is emitted for EventStateChanged.
type StateChangedPayload struct {
	Old View
	New View
}

// ErrorPayload is emitted for EventError.
type ErrorPayload struct {
	Err *CoreError
}

// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"
)

const sessionStoreKey = "session"

// sessionIDPattern is the id-format invariant from spec.md §3: a positive
// integer, an '@', then any non-empty host string.
var sessionIDPattern = regexp.MustCompile(`^\d+@.+$`)

// ValidSessionID reports whether id matches the required session id shape.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Session is the persisted identity and conversation log described in
// spec.md §3. Its id never mutates while the session is loaded; changing
// identity requires Clear followed by CreateNewSession or SetSessionID.
type Session struct {
	ID                string         `json:"id"`
	CreatedAt         int64          `json:"createdAt"`
	LastActivity      int64          `json:"lastActivity"`
	LastMessageSentAt *int64         `json:"lastMessageSentAt,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Conversation       []Message      `json:"conversation"`
}

// SessionEngine owns the Session and its persisted snapshot (spec.md §3's
// ownership rule). It is the only component that touches the Store.
type SessionEngine struct {
	store Store
	bus   *EventBus
	log   *slog.Logger

	clientID string
	host     string

	cacheTimeout   time.Duration
	contactTimeout time.Duration

	mu      sync.Mutex
	session *Session

	cacheTimer   Timer
	contactTimer Timer
}

// NewSessionEngine constructs a SessionEngine. clientID overrides host as
// the suffix of a freshly generated session id, per spec.md §4.3.
func NewSessionEngine(store Store, bus *EventBus, cfg Config) *SessionEngine {
	return &SessionEngine{
		store:          store,
		bus:            bus,
		log:            cfg.Logger,
		clientID:       cfg.ClientID,
		host:           cfg.Host,
		cacheTimeout:   cfg.CacheTimeout,
		contactTimeout: cfg.ContactTimeout,
	}
}

func (e *SessionEngine) idSuffix() string {
	if e.clientID != "" {
		return e.clientID
	}
	if e.host != "" {
		return e.host
	}
	return "webchat"
}

// GetOrCreate returns the existing in-memory session id if present, else
// attempts to load a format-valid, non-expired session from the store,
// else creates a new one. Unlike Restore, it creates a session when none
// can be loaded, and it neither arms the contact timer nor emits
// EventSessionRestored.
func (e *SessionEngine) GetOrCreate(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.session != nil {
		e.touchLocked()
		id := e.session.ID
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	if loaded := e.loadFromStore(ctx); loaded != nil {
		e.mu.Lock()
		e.session = loaded
		e.touchLocked()
		e.armCacheTimerLocked()
		id := e.session.ID
		e.mu.Unlock()
		return id, nil
	}

	return e.CreateNewSession(), nil
}

// loadFromStore fetches and validates a persisted session; any failure
// (storage error, malformed JSON, malformed id) is logged and yields nil,
// per spec.md §4.3's failure semantics.
func (e *SessionEngine) loadFromStore(ctx context.Context) *Session {
	raw, err := e.store.Get(ctx, sessionStoreKey)
	if err != nil {
		e.log.Warn("session load failed", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		e.log.Warn("session envelope corrupt, discarding", "error", err)
		return nil
	}
	if !ValidSessionID(s.ID) {
		e.log.Warn("persisted session id malformed, discarding", "id", s.ID)
		return nil
	}
	if e.cacheTimeout > 0 {
		age := time.Since(time.UnixMilli(s.LastActivity))
		if age > e.cacheTimeout {
			e.log.Warn("persisted session expired, discarding", "id", s.ID, "age", age)
			return nil
		}
	}
	return &s
}

// CreateNewSession generates a fresh id, resets the conversation log, and
// starts the cache-expiration timer, per spec.md §4.3.
func (e *SessionEngine) CreateNewSession() string {
	now := time.Now()
	id := fmt.Sprintf("%d@%s", int64(rand.Float64()*float64(now.UnixNano())), e.idSuffix())

	e.mu.Lock()
	e.session = &Session{
		ID:           id,
		CreatedAt:    now.UnixMilli(),
		LastActivity: now.UnixMilli(),
		Metadata:     map[string]any{},
		Conversation: nil,
	}
	e.armCacheTimerLocked()
	e.mu.Unlock()

	e.persist(context.Background())
	return id
}

// Restore loads the session from the store (blocking until the load
// completes), and if a
// prior LastMessageSentAt exists, schedules the contact-timeout check
// against it (spec.md §4.3, scenario 5 in spec.md §8).
func (e *SessionEngine) Restore(ctx context.Context) {
	loaded := e.loadFromStore(ctx)
	if loaded == nil {
		return
	}
	e.mu.Lock()
	e.session = loaded
	e.touchLocked()
	e.armCacheTimerLocked()
	if loaded.LastMessageSentAt != nil {
		e.armContactTimerLocked(*loaded.LastMessageSentAt)
	}
	e.mu.Unlock()
	e.bus.Emit(EventSessionRestored, loaded.ID)
}

// SetLastMessageSentAt records t and (re)arms the single-shot contact
// timeout timer at t + contactTimeout, replacing any previously armed
// timer, per spec.md §4.3.
func (e *SessionEngine) SetLastMessageSentAt(t time.Time) {
	ms := t.UnixMilli()
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	e.session.LastMessageSentAt = &ms
	e.touchLocked()
	e.armContactTimerLocked(ms)
	e.mu.Unlock()
	e.persist(context.Background())
}

func (e *SessionEngine) armContactTimerLocked(lastMessageSentAtMillis int64) {
	fireAt := time.UnixMilli(lastMessageSentAtMillis).Add(e.contactTimeout)
	d := time.Until(fireAt)
	e.contactTimer.Arm(d, func() {
		e.bus.Emit(EventContactTimeoutMaxReached, nil)
	})
}

func (e *SessionEngine) armCacheTimerLocked() {
	if e.cacheTimeout <= 0 {
		return
	}
	e.cacheTimer.Arm(e.cacheTimeout, func() {
		e.Clear(context.Background())
	})
}

// SetSessionID validates id's format, replaces the current session with a
// new one bound to id (with an empty conversation), persists it, and
// emits EventSessionRestored with id as the session-changed signal
// (spec.md §4.3).
func (e *SessionEngine) SetSessionID(id string) error {
	if !ValidSessionID(id) {
		return validationErrorf("session id %q does not match ^\\d+@.+$", id)
	}
	now := time.Now().UnixMilli()
	e.mu.Lock()
	e.session = &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     map[string]any{},
	}
	e.armCacheTimerLocked()
	e.mu.Unlock()
	e.persist(context.Background())
	e.bus.Emit(EventSessionRestored, id)
	return nil
}

// AppendToConversation appends msg to the conversation log, optionally
// truncating to the last `limit` entries, and persists the result.
func (e *SessionEngine) AppendToConversation(msg Message, limit int) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return stateErrorf("no active session")
	}
	e.session.Conversation = append(e.session.Conversation, msg)
	if limit > 0 && len(e.session.Conversation) > limit {
		e.session.Conversation = e.session.Conversation[len(e.session.Conversation)-limit:]
	}
	e.touchLocked()
	e.mu.Unlock()
	return e.persist(context.Background())
}

// SetConversation replaces the conversation log wholesale.
func (e *SessionEngine) SetConversation(list []Message) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return stateErrorf("no active session")
	}
	e.session.Conversation = list
	e.touchLocked()
	e.mu.Unlock()
	return e.persist(context.Background())
}

// UpdateConversation applies patch to the first message in the log whose
// id matches. It is a no-op (returning nil) if no message matches.
func (e *SessionEngine) UpdateConversation(id string, patch func(*Message)) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return stateErrorf("no active session")
	}
	found := false
	for i := range e.session.Conversation {
		if e.session.Conversation[i].ID == id {
			patch(&e.session.Conversation[i])
			found = true
			break
		}
	}
	e.touchLocked()
	e.mu.Unlock()
	if !found {
		return nil
	}
	return e.persist(context.Background())
}

// GetConversation returns a copy of the current conversation log.
func (e *SessionEngine) GetConversation() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	out := make([]Message, len(e.session.Conversation))
	copy(out, e.session.Conversation)
	return out
}

// Clear drops the in-memory session, removes the persisted entry, and
// cancels all timers.
func (e *SessionEngine) Clear(ctx context.Context) error {
	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()
	e.cacheTimer.Cancel()
	e.contactTimer.Cancel()
	if err := e.store.Remove(ctx, sessionStoreKey); err != nil {
		e.log.Warn("session store remove failed", "error", err)
	}
	e.bus.Emit(EventSessionCleared, nil)
	return nil
}

// touchLocked refreshes LastActivity and re-arms the cache-expiration
// timer, so it fires after cacheTimeout of inactivity. Caller holds e.mu.
func (e *SessionEngine) touchLocked() {
	if e.session != nil {
		e.session.LastActivity = time.Now().UnixMilli()
		e.armCacheTimerLocked()
	}
}

func (e *SessionEngine) persist(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		e.log.Warn("session marshal failed", "error", err)
		return storageErrorf(err, "marshal session")
	}
	if err := e.store.Set(ctx, sessionStoreKey, data); err != nil {
		e.log.Warn("session persist failed", "error", err)
		return err
	}
	return nil
}

// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"
)

// keyPrefix namespaces every key this package writes, matching the
// persisted layout in spec.md §6.
const keyPrefix = "weni:webchat:"

// schemaVersion is the current envelope version. Every read passes the
// stored envelope's version and payload through migrate.
const schemaVersion = 1

// envelope wraps every stored value with a version and write timestamp,
// per spec.md §4.1.
type envelope struct {
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Store is the Persistent Store contract: a namespaced, versioned
// key/value blob store. Implementations must never panic or return a
// parse failure to the caller as anything but (nil, nil) — failures are
// logged and swallowed, per spec.md §4.1 and §7's propagation policy for
// recoverable storage errors.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int, error)
}

// migrate is the no-op-by-default schema migration hook. Real migrations
// compose by switching on fromVersion and returning an upgraded payload.
func migrate(fromVersion int, data json.RawMessage) json.RawMessage {
	if fromVersion == schemaVersion {
		return data
	}
	return data
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// MemoryStore is an in-process Store, the default backend and the one
// used by tests. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]envelope
	maxEntries int
	log        *slog.Logger
}

// NewMemoryStore creates an empty MemoryStore. maxEntries <= 0 means
// unbounded.
func NewMemoryStore(maxEntries int, log *slog.Logger) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryStore{entries: make(map[string]envelope), maxEntries: maxEntries, log: log}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.entries[keyPrefix+key]
	if !ok {
		return nil, nil
	}
	data := migrate(env.Version, env.Data)
	return []byte(data), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value)
}

func (s *MemoryStore) setLocked(key string, value []byte) error {
	full := keyPrefix + key
	env := envelope{Version: schemaVersion, Timestamp: nowMillis(), Data: json.RawMessage(value)}
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		if _, exists := s.entries[full]; !exists {
			s.evictOldestLocked()
		}
	}
	s.entries[full] = env
	return nil
}

// evictOldestLocked drops the oldest 25% of prefixed entries by envelope
// timestamp, per spec.md §4.1's quota recovery rule. Caller holds s.mu.
func (s *MemoryStore) evictOldestLocked() {
	type kv struct {
		key string
		ts  int64
	}
	all := make([]kv, 0, len(s.entries))
	for k, v := range s.entries {
		all = append(all, kv{k, v.Timestamp})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts < all[j].ts })
	n := len(all) / 4
	if n == 0 && len(all) > 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		delete(s.entries, all[i].key)
	}
	s.log.Warn("store quota exhausted, evicted oldest entries", "count", n)
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, keyPrefix+key)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]envelope)
	return nil
}

func (s *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[keyPrefix+key]
	return ok, nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k[len(keyPrefix):])
	}
	return keys, nil
}

func (s *MemoryStore) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testStoreBasics(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if ok, err := s.Has(ctx, "k"); err != nil || ok {
		t.Fatalf("Has(k) before Set = (%v, %v), want (false, nil)", ok, err)
	}
	if err := s.Set(ctx, "k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("Get(k) = %s, want {\"a\":1}", got)
	}
	if ok, err := s.Has(ctx, "k"); err != nil || !ok {
		t.Fatalf("Has(k) after Set = (%v, %v), want (true, nil)", ok, err)
	}
	if n, err := s.Size(ctx); err != nil || n != 1 {
		t.Fatalf("Size() = (%d, %v), want (1, nil)", n, err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got, err := s.Get(ctx, "k"); err != nil || got != nil {
		t.Fatalf("Get(k) after Remove = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestMemoryStoreBasics(t *testing.T) {
	testStoreBasics(t, NewMemoryStore(0, nil))
}

func TestMemoryStoreEvictsOldestQuarter(t *testing.T) {
	s := NewMemoryStore(4, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Set k%d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // force distinct envelope timestamps
	}
	if n, _ := s.Size(ctx); n != 4 {
		t.Fatalf("Size() = %d, want 4", n)
	}
	// Past quota: a new key must trigger eviction of the oldest 25%.
	if err := s.Set(ctx, "k4", []byte("v")); err != nil {
		t.Fatalf("Set k4: %v", err)
	}
	if n, _ := s.Size(ctx); n != 4 {
		t.Fatalf("Size() after eviction = %d, want 4 (one entry evicted for one inserted)", n)
	}
	if ok, _ := s.Has(ctx, "k0"); ok {
		t.Errorf("k0 (oldest) should have been evicted")
	}
	if ok, _ := s.Has(ctx, "k4"); !ok {
		t.Errorf("k4 (newest) should be present")
	}
}

func TestMemoryStoreClearAndKeys(t *testing.T) {
	s := NewMemoryStore(0, nil)
	ctx := context.Background()
	s.Set(ctx, "a", []byte("1"))
	s.Set(ctx, "b", []byte("2"))
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", keys)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Size(ctx); n != 0 {
		t.Errorf("Size() after Clear = %d, want 0", n)
	}
}

func TestSQLiteStoreBasics(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:", 0, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer s.Close()
	testStoreBasics(t, s)
}

func TestSQLiteStoreEvictsOldestQuarter(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:", 4, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Set k%d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // force distinct envelope timestamps
	}
	if err := s.Set(ctx, "k4", []byte("v")); err != nil {
		t.Fatalf("Set k4: %v", err)
	}
	if n, _ := s.Size(ctx); n != 4 {
		t.Fatalf("Size() after eviction = %d, want 4", n)
	}
	if ok, _ := s.Has(ctx, "k0"); ok {
		t.Errorf("k0 (oldest) should have been evicted")
	}
}

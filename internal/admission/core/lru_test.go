package core

import "testing"

func TestLRUOrigins_EvictsOldestFirst(t *testing.T) {
	t.Parallel()

	lru := newLRUOrigins(2)
	lru.Touch("a.example.org")
	lru.Touch("b.example.org")
	lru.Touch("c.example.org")

	evicted := lru.EvictIfNeeded(nil)
	if len(evicted) != 1 || evicted[0] != "a.example.org" {
		t.Fatalf("expected the oldest origin evicted, got %v", evicted)
	}
	if lru.Len() != 2 {
		t.Fatalf("expected 2 origins, got %d", lru.Len())
	}
}

func TestLRUOrigins_TouchRefreshesOrder(t *testing.T) {
	t.Parallel()

	lru := newLRUOrigins(2)
	lru.Touch("a.example.org")
	lru.Touch("b.example.org")
	lru.Touch("a.example.org")
	lru.Touch("c.example.org")

	evicted := lru.EvictIfNeeded(nil)
	if len(evicted) != 1 || evicted[0] != "b.example.org" {
		t.Fatalf("expected the stale origin evicted, got %v", evicted)
	}
}

func TestLRUOrigins_SkipsBusyOrigins(t *testing.T) {
	t.Parallel()

	lru := newLRUOrigins(1)
	lru.Touch("a.example.org")
	lru.Touch("b.example.org")
	lru.Touch("c.example.org")

	busy := map[string]bool{"a.example.org": true, "b.example.org": true, "c.example.org": true}
	evicted := lru.EvictIfNeeded(func(origin string) bool { return !busy[origin] })
	if len(evicted) != 0 {
		t.Fatalf("expected busy origins to survive, got %v", evicted)
	}
	if lru.Len() != 3 {
		t.Fatalf("expected the registry to exceed the cap transiently, got %d", lru.Len())
	}

	busy = map[string]bool{"c.example.org": true}
	evicted = lru.EvictIfNeeded(func(origin string) bool { return !busy[origin] })
	if len(evicted) != 2 {
		t.Fatalf("expected two idle evictions, got %v", evicted)
	}
	if evicted[0] != "a.example.org" || evicted[1] != "b.example.org" {
		t.Fatalf("expected oldest-first eviction, got %v", evicted)
	}
	if lru.Len() != 1 {
		t.Fatalf("expected 1 origin, got %d", lru.Len())
	}
}

func TestLRUOrigins_RemoveUnknownIsNoop(t *testing.T) {
	t.Parallel()

	lru := newLRUOrigins(2)
	lru.Remove("missing.example.org")
	if lru.Len() != 0 {
		t.Fatalf("expected an empty registry, got %d", lru.Len())
	}
}

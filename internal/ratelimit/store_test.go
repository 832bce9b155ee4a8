package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_AdmitsUpToLimit(t *testing.T) {
	s := NewMemoryStore(3, time.Minute, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		count, err := s.Increment(ctx, "1.2.3.4", 60)
		if err != nil {
			t.Fatalf("Increment() call %d: %v", i, err)
		}
		if count > 3 {
			t.Errorf("Increment() call %d returned %d, want <= limit", i, count)
		}
	}
}

func TestMemoryStore_RejectsOverLimit(t *testing.T) {
	s := NewMemoryStore(2, time.Minute, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Increment(ctx, "1.2.3.4", 60); err != nil {
			t.Fatalf("Increment() call %d: %v", i, err)
		}
	}

	count, err := s.Increment(ctx, "1.2.3.4", 60)
	if err != nil {
		t.Fatalf("Increment() over limit: %v", err)
	}
	if count <= 2 {
		t.Errorf("Increment() over limit returned %d, want > 2", count)
	}
}

func TestMemoryStore_TracksKeysIndependently(t *testing.T) {
	s := NewMemoryStore(1, time.Minute, 10)
	ctx := context.Background()

	if _, err := s.Increment(ctx, "ip-a", 60); err != nil {
		t.Fatalf("Increment(ip-a): %v", err)
	}
	count, err := s.Increment(ctx, "ip-b", 60)
	if err != nil {
		t.Fatalf("Increment(ip-b): %v", err)
	}
	if count > 1 {
		t.Errorf("Increment(ip-b) = %d, want a fresh bucket admitting the first request", count)
	}
}

func TestMemoryStore_EvictsOldestWhenFull(t *testing.T) {
	s := NewMemoryStore(1, time.Minute, 2)
	ctx := context.Background()

	s.Increment(ctx, "a", 60)
	s.Increment(ctx, "b", 60)
	s.Increment(ctx, "c", 60) // should evict "a"

	s.mu.Lock()
	_, aStillTracked := s.limiters["a"]
	_, cTracked := s.limiters["c"]
	s.mu.Unlock()

	if aStillTracked {
		t.Error("oldest key \"a\" should have been evicted once the store was full")
	}
	if !cTracked {
		t.Error("newest key \"c\" should be tracked")
	}
}

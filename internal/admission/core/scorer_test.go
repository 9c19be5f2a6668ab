package core_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Eyecu/synapse/internal/admission/core"
)

type stubStats struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newStubStats() *stubStats {
	return &stubStats{counts: make(map[string]int64)}
}

func (s *stubStats) StateEventCount(ctx context.Context, roomID string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.counts[roomID]
	if !ok {
		return 0, core.ErrNotFound
	}
	return count, nil
}

func (s *stubStats) RecordStateEvents(ctx context.Context, roomID string, delta int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[roomID] += delta
	return s.counts[roomID], nil
}

func (s *stubStats) Healthy(ctx context.Context) error { return s.err }

func TestV1Scorer_ScoreGrowsWithStateEvents(t *testing.T) {
	t.Parallel()

	stats := newStubStats()
	scorer := core.NewV1Scorer(stats)
	roomID := "!room:example.org"

	if _, err := stats.RecordStateEvents(context.Background(), roomID, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	small, err := scorer.Score(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if small <= 0 {
		t.Fatalf("expected a positive score for an active room, got %v", small)
	}

	if _, err := stats.RecordStateEvents(context.Background(), roomID, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	large, err := scorer.Score(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if large <= small {
		t.Fatalf("expected the score to grow, got %v then %v", small, large)
	}
	if large <= 1 {
		t.Fatalf("expected a room with over 500 state events to score above 1, got %v", large)
	}
}

func TestV1Scorer_UnknownRoom(t *testing.T) {
	t.Parallel()

	scorer := core.NewV1Scorer(newStubStats())
	_, err := scorer.Score(context.Background(), "!missing:example.org")
	if got := core.CodeOf(err); got != core.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %q (%v)", got, err)
	}
}

func TestV1Scorer_Version(t *testing.T) {
	t.Parallel()

	if got := core.NewV1Scorer(newStubStats()).Version(); got != "v1" {
		t.Fatalf("expected version v1, got %q", got)
	}
}

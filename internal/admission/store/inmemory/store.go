// Package inmemory provides process-local room activity storage.
package inmemory

import (
	"context"
	"sync"

	"github.com/Eyecu/synapse/internal/admission/core"
)

// Store keeps per-room activity counters in memory. It suits single-worker
// deployments and tests; multi-worker deployments share counters through
// the redis store instead.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomStats
}

type roomStats struct {
	stateEvents int64
}

// New constructs an empty store.
func New() *Store {
	return &Store{rooms: make(map[string]*roomStats)}
}

// RecordStateEvents adds delta state events to a room, creating it if
// needed, and returns the new total.
func (s *Store) RecordStateEvents(ctx context.Context, roomID string, delta int64) (int64, error) {
	if roomID == "" {
		return 0, core.ErrInvalidInput
	}
	if delta < 0 {
		return 0, core.Wrap(core.CodeInvalidInput, "state event delta must not be negative", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.rooms[roomID]
	if !ok {
		stats = &roomStats{}
		s.rooms[roomID] = stats
	}
	stats.stateEvents += delta
	return stats.stateEvents, nil
}

// StateEventCount returns the accumulated state event total for a room.
func (s *Store) StateEventCount(ctx context.Context, roomID string) (int64, error) {
	if roomID == "" {
		return 0, core.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.rooms[roomID]
	if !ok {
		return 0, core.ErrNotFound
	}
	return stats.stateEvents, nil
}

// Healthy always succeeds for the in-memory store.
func (s *Store) Healthy(ctx context.Context) error {
	return nil
}

// Rooms reports the number of tracked rooms.
func (s *Store) Rooms() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

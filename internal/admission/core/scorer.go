// Package core implements federation admission control.
package core

import "context"

// complexityV1Divisor converts an accumulated state event count into the
// v1 complexity score. A room crosses score 1.0 at 500 state events.
const complexityV1Divisor = 500.0

// RoomStatsSource provides the per-room activity counters complexity is
// derived from.
type RoomStatsSource interface {
	// StateEventCount returns the accumulated state event total for a room,
	// or ErrNotFound when the room is unknown.
	StateEventCount(ctx context.Context, roomID string) (int64, error)
	// RecordStateEvents adds delta state events to a room, creating it if
	// needed, and returns the new total.
	RecordStateEvents(ctx context.Context, roomID string, delta int64) (int64, error)
	// Healthy reports whether the source can serve reads.
	Healthy(ctx context.Context) error
}

// V1Scorer derives the v1 complexity score from the accumulated state
// event count. The score never decreases for a given room.
type V1Scorer struct {
	stats RoomStatsSource
}

// NewV1Scorer constructs a scorer over the given stats source.
func NewV1Scorer(stats RoomStatsSource) *V1Scorer {
	return &V1Scorer{stats: stats}
}

// Version identifies the scoring strategy.
func (s *V1Scorer) Version() string {
	return "v1"
}

// Score computes the room's complexity.
func (s *V1Scorer) Score(ctx context.Context, roomID string) (float64, error) {
	if s == nil || s.stats == nil {
		return 0, Wrap(CodeInternal, "no room stats source configured", nil)
	}
	if roomID == "" {
		return 0, Wrap(CodeInvalidInput, "room id is required", nil)
	}
	count, err := s.stats.StateEventCount(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return float64(count) / complexityV1Divisor, nil
}

// Package redisstore provides redis-backed room activity storage shared
// between workers.
package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/Eyecu/synapse/internal/admission/core"
)

const stateEventsField = "state_events"

// Store keeps per-room activity counters in a redis hash per room so every
// worker scores rooms from the same totals.
type Store struct {
	client *redis.Client
	prefix string
}

// New constructs a store over an existing client. prefix namespaces keys
// and may be empty.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "synapse:room"
	}
	return &Store{client: client, prefix: prefix}
}

// RecordStateEvents adds delta state events to a room and returns the new
// total.
func (s *Store) RecordStateEvents(ctx context.Context, roomID string, delta int64) (int64, error) {
	if s == nil || s.client == nil {
		return 0, core.Wrap(core.CodeInternal, "redis store is not configured", nil)
	}
	if roomID == "" {
		return 0, core.ErrInvalidInput
	}
	if delta < 0 {
		return 0, core.Wrap(core.CodeInvalidInput, "state event delta must not be negative", nil)
	}

	total, err := s.client.HIncrBy(ctx, s.key(roomID), stateEventsField, delta).Result()
	if err != nil {
		return 0, core.Wrap(core.CodeInternal, "record state events", err)
	}
	return total, nil
}

// StateEventCount returns the accumulated state event total for a room.
func (s *Store) StateEventCount(ctx context.Context, roomID string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, core.Wrap(core.CodeInternal, "redis store is not configured", nil)
	}
	if roomID == "" {
		return 0, core.ErrInvalidInput
	}

	count, err := s.client.HGet(ctx, s.key(roomID), stateEventsField).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, core.ErrNotFound
	}
	if err != nil {
		return 0, core.Wrap(core.CodeInternal, "load state event count", err)
	}
	return count, nil
}

// Healthy pings redis.
func (s *Store) Healthy(ctx context.Context) error {
	if s == nil || s.client == nil {
		return core.Wrap(core.CodeInternal, "redis store is not configured", nil)
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return core.Wrap(core.CodeInternal, "redis ping", err)
	}
	return nil
}

func (s *Store) key(roomID string) string {
	return s.prefix + ":" + roomID
}

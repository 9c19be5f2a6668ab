// Package core implements federation admission control.
package core

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// ScoreCoalescer deduplicates concurrent complexity lookups for the same
// room so a burst of join attempts issues one remote query.
type ScoreCoalescer struct {
	shards []scoreShard
	ttl    time.Duration
}

type scoreShard struct {
	mu sync.Mutex
	m  map[string]*pendingScore
}

type pendingScore struct {
	done    chan struct{}
	created time.Time
	score   float64
	err     error
}

// NewScoreCoalescer constructs a coalescer. ttl bounds how long a pending
// lookup keeps absorbing followers before a fresh one is started.
func NewScoreCoalescer(shards int, ttl time.Duration) *ScoreCoalescer {
	if shards <= 0 {
		shards = 64
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	entries := make([]scoreShard, shards)
	for i := range entries {
		entries[i] = scoreShard{m: make(map[string]*pendingScore)}
	}
	return &ScoreCoalescer{shards: entries, ttl: ttl}
}

// Do executes fn or waits for an in-flight result for the same key.
func (c *ScoreCoalescer) Do(ctx context.Context, key string, fn func() (float64, error)) (float64, error) {
	if c == nil || len(c.shards) == 0 {
		return fn()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	shard := c.shardFor(key)
	shard.mu.Lock()
	if existing, ok := shard.m[key]; ok && time.Since(existing.created) <= c.ttl {
		done := existing.done
		shard.mu.Unlock()
		select {
		case <-done:
			return existing.score, existing.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	entry := &pendingScore{done: make(chan struct{}), created: time.Now()}
	shard.m[key] = entry
	shard.mu.Unlock()

	score, err := fn()
	entry.score = score
	entry.err = err
	close(entry.done)

	shard.mu.Lock()
	if current, ok := shard.m[key]; ok && current == entry {
		delete(shard.m, key)
	}
	shard.mu.Unlock()
	return score, err
}

func (c *ScoreCoalescer) shardFor(key string) *scoreShard {
	if len(c.shards) == 1 {
		return &c.shards[0]
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return &c.shards[hasher.Sum32()%uint32(len(c.shards))]
}

// Package observability provides in-memory metrics.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryMetrics stores counters and latency summaries.
type InMemoryMetrics struct {
	counters  sync.Map
	latencies sync.Map
}

type latencySummary struct {
	count      atomic.Int64
	totalNanos atomic.Int64
	maxNanos   atomic.Int64
}

// NewInMemoryMetrics constructs an in-memory metrics recorder.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

// IncAdmission counts a limiter outcome for an origin.
func (m *InMemoryMetrics) IncAdmission(outcome string, origin string) {
	if m == nil {
		return
	}
	m.incCounter(fmt.Sprintf("admission|%s|%s", outcome, origin))
}

// IncJoinCheck counts a complexity gate verdict.
func (m *InMemoryMetrics) IncJoinCheck(phase string, verdict string) {
	if m == nil {
		return
	}
	m.incCounter(fmt.Sprintf("join_check|%s|%s", phase, verdict))
}

// IncRemoteFetch counts an outbound complexity query outcome.
func (m *InMemoryMetrics) IncRemoteFetch(outcome string, destination string) {
	if m == nil {
		return
	}
	m.incCounter(fmt.Sprintf("remote_fetch|%s|%s", outcome, destination))
}

// IncStoreError counts a room store failure.
func (m *InMemoryMetrics) IncStoreError(op string) {
	if m == nil {
		return
	}
	m.incCounter(fmt.Sprintf("store_error|%s", op))
}

// ObserveLatency tracks latency measurements.
func (m *InMemoryMetrics) ObserveLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	entry := m.getLatency(fmt.Sprintf("latency|%s", op))
	if entry == nil {
		return
	}
	nanos := d.Nanoseconds()
	entry.count.Add(1)
	entry.totalNanos.Add(nanos)
	for {
		current := entry.maxNanos.Load()
		if nanos <= current {
			break
		}
		if entry.maxNanos.CompareAndSwap(current, nanos) {
			break
		}
	}
}

// Snapshot exports metrics values.
func (m *InMemoryMetrics) Snapshot() map[string]any {
	result := map[string]any{}
	if m == nil {
		return result
	}

	counters := map[string]int64{}
	m.counters.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Int64)
		if !ok || counter == nil {
			return true
		}
		counters[k] = counter.Load()
		return true
	})

	latencies := map[string]map[string]int64{}
	m.latencies.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		entry, ok := value.(*latencySummary)
		if !ok || entry == nil {
			return true
		}
		latencies[k] = map[string]int64{
			"count":      entry.count.Load(),
			"totalNanos": entry.totalNanos.Load(),
			"maxNanos":   entry.maxNanos.Load(),
		}
		return true
	})

	result["counters"] = counters
	result["latencies"] = latencies
	return result
}

func (m *InMemoryMetrics) incCounter(key string) {
	counter := m.getCounter(key)
	if counter == nil {
		return
	}
	counter.Add(1)
}

func (m *InMemoryMetrics) getCounter(key string) *atomic.Int64 {
	if key == "" {
		return nil
	}
	if existing, ok := m.counters.Load(key); ok {
		if counter, ok := existing.(*atomic.Int64); ok {
			return counter
		}
	}
	counter := &atomic.Int64{}
	actual, _ := m.counters.LoadOrStore(key, counter)
	if stored, ok := actual.(*atomic.Int64); ok {
		return stored
	}
	return counter
}

func (m *InMemoryMetrics) getLatency(key string) *latencySummary {
	if key == "" {
		return nil
	}
	if existing, ok := m.latencies.Load(key); ok {
		if entry, ok := existing.(*latencySummary); ok {
			return entry
		}
	}
	entry := &latencySummary{}
	actual, _ := m.latencies.LoadOrStore(key, entry)
	if stored, ok := actual.(*latencySummary); ok {
		return stored
	}
	return entry
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

// IncAdmission is a no-op.
func (NopMetrics) IncAdmission(outcome string, origin string) {}

// IncJoinCheck is a no-op.
func (NopMetrics) IncJoinCheck(phase string, verdict string) {}

// IncRemoteFetch is a no-op.
func (NopMetrics) IncRemoteFetch(outcome string, destination string) {}

// IncStoreError is a no-op.
func (NopMetrics) IncStoreError(op string) {}

// ObserveLatency is a no-op.
func (NopMetrics) ObserveLatency(op string, d time.Duration) {}

// Snapshot reports no measurements.
func (NopMetrics) Snapshot() map[string]any { return map[string]any{} }

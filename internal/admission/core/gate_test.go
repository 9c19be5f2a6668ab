package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Eyecu/synapse/internal/admission/core"
	"github.com/Eyecu/synapse/internal/admission/observability"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []string
	scores map[string]core.ComplexityScore
	errs   map[string]error
	block  chan struct{}
}

func (f *fakeFetcher) FetchComplexity(ctx context.Context, destination string, roomID string) (core.ComplexityScore, error) {
	f.mu.Lock()
	f.calls = append(f.calls, destination)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return core.ComplexityScore{}, ctx.Err()
		}
	}
	if err, ok := f.errs[destination]; ok {
		return core.ComplexityScore{}, err
	}
	if score, ok := f.scores[destination]; ok {
		return score, nil
	}
	return core.ComplexityScore{}, errors.New("unknown destination")
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeScorer struct {
	score float64
	err   error
}

func (s *fakeScorer) Version() string { return "v1" }

func (s *fakeScorer) Score(ctx context.Context, roomID string) (float64, error) {
	return s.score, s.err
}

func newGate(policy core.JoinPolicy, fetcher core.ComplexityFetcher, scorer core.ComplexityScorer) *core.ComplexityGate {
	return core.NewComplexityGate(policy, fetcher, scorer, core.NewScoreCoalescer(4, time.Second), nil, nil)
}

type recordedSpan struct {
	name  string
	attrs map[string]string
	errs  []error
	ended bool
}

func (s *recordedSpan) SetAttribute(key, value string) { s.attrs[key] = value }
func (s *recordedSpan) RecordError(err error)          { s.errs = append(s.errs, err) }
func (s *recordedSpan) End()                           { s.ended = true }

type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordedSpan
}

func (t *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	span := &recordedSpan{name: name, attrs: map[string]string{}}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, span
}

type allSampler struct{}

func (allSampler) Sampled(string) bool { return true }

func TestComplexityGate_DisabledSkipsRemoteQuery(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: false, ComplexityCeiling: 0}, fetcher, nil)

	if err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"remote.example.org"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fetcher.callCount(); got != 0 {
		t.Fatalf("disabled gate queried the network %d times", got)
	}
}

func TestComplexityGate_DeniesRoomOverCeiling(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{scores: map[string]core.ComplexityScore{
		"remote.example.org": {V1: 9999},
	}}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)

	err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"remote.example.org"})
	if got := core.CodeOf(err); got != core.CodeResourceLimitExceeded {
		t.Fatalf("expected RESOURCE_LIMIT_EXCEEDED, got %q (%v)", got, err)
	}
}

func TestComplexityGate_AllowsScoreEqualToCeiling(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{scores: map[string]core.ComplexityScore{
		"remote.example.org": {V1: 1},
	}}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)

	if err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"remote.example.org"}); err != nil {
		t.Fatalf("score equal to the ceiling must be admitted: %v", err)
	}
}

func TestComplexityGate_FirstSuccessfulDestinationWins(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		errs:   map[string]error{"down.example.org": errors.New("connection refused")},
		scores: map[string]core.ComplexityScore{"up.example.org": {V1: 0.5}},
	}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)

	destinations := []string{"down.example.org", "up.example.org", "never.example.org"}
	if err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", destinations); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	want := []string{"down.example.org", "up.example.org"}
	if len(fetcher.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, fetcher.calls)
	}
	for i := range want {
		if fetcher.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, fetcher.calls)
		}
	}
}

func TestComplexityGate_AllDestinationsFailingIsNotADenial(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{errs: map[string]error{
		"one.example.org": errors.New("timeout"),
		"two.example.org": errors.New("bad gateway"),
	}}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)

	err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"one.example.org", "two.example.org"})
	if err == nil {
		t.Fatalf("expected an error when every destination failed")
	}
	if got := core.CodeOf(err); got != core.CodeFederationUnreachable {
		t.Fatalf("expected FEDERATION_UNREACHABLE, got %q", got)
	}
}

func TestComplexityGate_MalformedScoreIsUnusable(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{scores: map[string]core.ComplexityScore{
		"remote.example.org": {V1: -3},
	}}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)

	err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"remote.example.org"})
	if got := core.CodeOf(err); got != core.CodeFederationUnreachable {
		t.Fatalf("expected FEDERATION_UNREACHABLE, got %q", got)
	}
}

func TestComplexityGate_NoDestinationsIsUnreachable(t *testing.T) {
	t.Parallel()

	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, &fakeFetcher{}, nil)
	err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", nil)
	if got := core.CodeOf(err); got != core.CodeFederationUnreachable {
		t.Fatalf("expected FEDERATION_UNREACHABLE, got %q", got)
	}
}

func TestComplexityGate_CheckJoinedRoomDeniesOverCeiling(t *testing.T) {
	t.Parallel()

	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 0.05}, nil, &fakeScorer{score: 0.06})
	err := gate.CheckJoinedRoom(context.Background(), "!room:remote.example.org")
	if got := core.CodeOf(err); got != core.CodeResourceLimitExceeded {
		t.Fatalf("expected RESOURCE_LIMIT_EXCEEDED, got %q (%v)", got, err)
	}
}

func TestComplexityGate_CheckJoinedRoomAllowsUnderCeiling(t *testing.T) {
	t.Parallel()

	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, nil, &fakeScorer{score: 0.2})
	if err := gate.CheckJoinedRoom(context.Background(), "!room:remote.example.org"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComplexityGate_CheckJoinedRoomPropagatesScorerError(t *testing.T) {
	t.Parallel()

	scorerErr := core.Wrap(core.CodeInternal, "store down", nil)
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, nil, &fakeScorer{err: scorerErr})
	err := gate.CheckJoinedRoom(context.Background(), "!room:remote.example.org")
	if got := core.CodeOf(err); got != core.CodeInternal {
		t.Fatalf("expected the scorer error to pass through, got %q (%v)", got, err)
	}
}

func TestComplexityGate_TracesSampledChecks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{scores: map[string]core.ComplexityScore{
		"remote.example.org": {V1: 9},
	}}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)
	tracer := &recordingTracer{}
	gate.SetTracing(tracer, allSampler{})

	err := gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"remote.example.org"})
	if got := core.CodeOf(err); got != core.CodeResourceLimitExceeded {
		t.Fatalf("expected RESOURCE_LIMIT_EXCEEDED, got %q (%v)", got, err)
	}

	if len(tracer.spans) != 1 {
		t.Fatalf("expected one span, got %d", len(tracer.spans))
	}
	span := tracer.spans[0]
	if span.name != "CheckRemoteJoin" || span.attrs["room_id"] != "!room:remote.example.org" {
		t.Fatalf("unexpected span %q with attributes %v", span.name, span.attrs)
	}
	if !span.ended || len(span.errs) != 1 {
		t.Fatalf("expected an ended span recording the denial, got ended=%v errors=%v", span.ended, span.errs)
	}
}

func TestComplexityGate_CoalescesConcurrentChecks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		scores: map[string]core.ComplexityScore{"remote.example.org": {V1: 0.5}},
		block:  make(chan struct{}),
	}
	gate := newGate(core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1}, fetcher, nil)

	const callers = 5
	var started, finished sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		started.Add(1)
		finished.Add(1)
		go func() {
			started.Done()
			defer finished.Done()
			errs <- gate.CheckRemoteJoin(context.Background(), "!room:remote.example.org", []string{"remote.example.org"})
		}()
	}

	started.Wait()
	time.Sleep(100 * time.Millisecond)
	close(fetcher.block)
	finished.Wait()

	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("expected one coalesced query, got %d", got)
	}
}

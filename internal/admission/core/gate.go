// Package core implements federation admission control.
package core

import (
	"context"
	"math"

	"github.com/Eyecu/synapse/internal/admission/observability"
)

// ComplexityScore is the versioned complexity report exchanged between
// servers. Higher versions may add fields; v1 is always present.
type ComplexityScore struct {
	V1 float64 `json:"v1"`
}

// JoinPolicy configures the room complexity gate. It is immutable after
// startup.
type JoinPolicy struct {
	// LimitLargeRoomJoins enables the gate. When false every check passes
	// without touching the network or the room store.
	LimitLargeRoomJoins bool
	// ComplexityCeiling is the highest admissible score. A score equal to
	// the ceiling is allowed.
	ComplexityCeiling float64
}

// ComplexityFetcher queries one destination server for a room's complexity.
type ComplexityFetcher interface {
	FetchComplexity(ctx context.Context, destination string, roomID string) (ComplexityScore, error)
}

// ComplexityScorer computes a room's complexity from local state.
type ComplexityScorer interface {
	Version() string
	Score(ctx context.Context, roomID string) (float64, error)
}

// ComplexityGate decides whether joining or remaining in a room is
// admissible under the configured ceiling. It never reverses a join
// itself; callers act on the verdict.
type ComplexityGate struct {
	policy    JoinPolicy
	fetcher   ComplexityFetcher
	scorer    ComplexityScorer
	coalescer *ScoreCoalescer
	logger    observability.Logger
	metrics   observability.Metrics
	tracer    observability.Tracer
	sampler   observability.Sampler
}

// NewComplexityGate constructs a gate. fetcher may be nil when the policy
// is disabled; logger and metrics default to no-ops.
func NewComplexityGate(
	policy JoinPolicy,
	fetcher ComplexityFetcher,
	scorer ComplexityScorer,
	coalescer *ScoreCoalescer,
	logger observability.Logger,
	metrics observability.Metrics,
) *ComplexityGate {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	return &ComplexityGate{
		policy:    policy,
		fetcher:   fetcher,
		scorer:    scorer,
		coalescer: coalescer,
		logger:    logger,
		metrics:   metrics,
	}
}

// Policy returns the immutable join policy.
func (g *ComplexityGate) Policy() JoinPolicy {
	if g == nil {
		return JoinPolicy{}
	}
	return g.policy
}

// SetTracing attaches an optional tracer. Checks are sampled by room id.
func (g *ComplexityGate) SetTracing(tracer observability.Tracer, sampler observability.Sampler) {
	if g == nil {
		return
	}
	g.tracer = tracer
	g.sampler = sampler
}

func (g *ComplexityGate) startSpan(ctx context.Context, name, roomID string) (context.Context, observability.Span) {
	if g.tracer == nil || g.sampler == nil || !g.sampler.Sampled(roomID) {
		return ctx, nil
	}
	ctx, span := g.tracer.StartSpan(ctx, name)
	span.SetAttribute("room_id", roomID)
	return ctx, span
}

func finishSpan(span observability.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// CheckRemoteJoin evaluates a prospective join against the complexity
// reported by the candidate destinations. Candidates are tried in order
// and the first successful report wins. It fails with
// RESOURCE_LIMIT_EXCEEDED when the room is too complex and with
// FEDERATION_UNREACHABLE when no candidate produced a usable score.
func (g *ComplexityGate) CheckRemoteJoin(ctx context.Context, roomID string, destinations []string) (err error) {
	if g == nil || !g.policy.LimitLargeRoomJoins {
		return nil
	}
	if roomID == "" {
		return Wrap(CodeInvalidInput, "room id is required", nil)
	}
	if len(destinations) == 0 {
		return Wrap(CodeFederationUnreachable, "no destinations to query", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := g.startSpan(ctx, "CheckRemoteJoin", roomID)
	defer func() { finishSpan(span, err) }()

	score, err := g.coalescer.Do(ctx, roomID, func() (float64, error) {
		return g.remoteScore(ctx, roomID, destinations)
	})
	if err != nil {
		g.metrics.IncJoinCheck("remote", "unreachable")
		return err
	}
	if score > g.policy.ComplexityCeiling {
		g.metrics.IncJoinCheck("remote", "denied")
		g.logger.Info("join denied, room too complex", map[string]any{
			"room_id": roomID,
			"score":   score,
			"ceiling": g.policy.ComplexityCeiling,
		})
		return Wrap(CodeResourceLimitExceeded, "room is too complex to join", nil)
	}
	g.metrics.IncJoinCheck("remote", "allowed")
	return nil
}

// CheckJoinedRoom evaluates a room the server already participates in
// using the local scorer. It fails with RESOURCE_LIMIT_EXCEEDED when the
// room exceeds the ceiling.
func (g *ComplexityGate) CheckJoinedRoom(ctx context.Context, roomID string) (err error) {
	if g == nil || !g.policy.LimitLargeRoomJoins {
		return nil
	}
	if roomID == "" {
		return Wrap(CodeInvalidInput, "room id is required", nil)
	}
	if g.scorer == nil {
		return Wrap(CodeInternal, "no local complexity scorer configured", nil)
	}
	ctx, span := g.startSpan(ctx, "CheckJoinedRoom", roomID)
	defer func() { finishSpan(span, err) }()

	score, err := g.scorer.Score(ctx, roomID)
	if err != nil {
		g.metrics.IncJoinCheck("local", "error")
		return err
	}
	if score > g.policy.ComplexityCeiling {
		g.metrics.IncJoinCheck("local", "denied")
		g.logger.Info("room exceeds complexity ceiling", map[string]any{
			"room_id": roomID,
			"score":   score,
			"ceiling": g.policy.ComplexityCeiling,
		})
		return Wrap(CodeResourceLimitExceeded, "room exceeds the complexity ceiling", nil)
	}
	g.metrics.IncJoinCheck("local", "allowed")
	return nil
}

func (g *ComplexityGate) remoteScore(ctx context.Context, roomID string, destinations []string) (float64, error) {
	if g.fetcher == nil {
		return 0, Wrap(CodeInternal, "no complexity fetcher configured", nil)
	}

	var lastErr error
	for _, destination := range destinations {
		if destination == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		score, err := g.fetcher.FetchComplexity(ctx, destination, roomID)
		if err != nil {
			lastErr = err
			g.metrics.IncRemoteFetch("error", destination)
			g.logger.Info("complexity query failed", map[string]any{
				"destination": destination,
				"room_id":     roomID,
				"error":       err.Error(),
			})
			continue
		}
		if math.IsNaN(score.V1) || math.IsInf(score.V1, 0) || score.V1 < 0 {
			lastErr = Wrap(CodeFederationUnreachable, "malformed complexity from "+destination, nil)
			g.metrics.IncRemoteFetch("malformed", destination)
			continue
		}
		g.metrics.IncRemoteFetch("ok", destination)
		return score.V1, nil
	}
	return 0, Wrap(CodeFederationUnreachable, "room complexity unavailable from all destinations", lastErr)
}

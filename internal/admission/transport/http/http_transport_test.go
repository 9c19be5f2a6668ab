package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Eyecu/synapse/internal/admission/core"
	"github.com/Eyecu/synapse/internal/admission/observability"
	"github.com/Eyecu/synapse/internal/admission/store/inmemory"
	httptransport "github.com/Eyecu/synapse/internal/admission/transport/http"
)

type fetcherFunc func(ctx context.Context, destination, roomID string) (core.ComplexityScore, error)

func (f fetcherFunc) FetchComplexity(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
	return f(ctx, destination, roomID)
}

type testServerConfig struct {
	settings   core.RateLimitSettings
	policy     core.JoinPolicy
	fetcher    core.ComplexityFetcher
	join       core.RemoteJoinFunc
	leave      core.LeaveFunc
	ready      bool
	enableAuth bool
	adminToken string
}

type testEnv struct {
	server  *httptest.Server
	store   *inmemory.Store
	metrics *observability.InMemoryMetrics
	broker  *core.EventBroker
	ready   atomic.Bool
}

func newTestServer(t *testing.T, cfg testServerConfig) *testEnv {
	t.Helper()
	if cfg.settings.WindowSize == 0 {
		cfg.settings = core.RateLimitSettings{
			WindowSize:         time.Hour,
			SleepLimit:         1000,
			SleepDelay:         time.Millisecond,
			RejectLimit:        1000,
			ConcurrentRequests: 8,
		}
	}

	env := &testEnv{
		store:   inmemory.New(),
		metrics: observability.NewInMemoryMetrics(),
		broker:  core.NewEventBroker(16),
	}
	env.ready.Store(cfg.ready)

	scorer := core.NewV1Scorer(env.store)
	limiter := core.NewFederationLimiter(cfg.settings, core.SystemClock{})
	gate := core.NewComplexityGate(cfg.policy, cfg.fetcher, scorer, core.NewScoreCoalescer(0, 0), nil, env.metrics)

	transport := httptransport.NewHTTPTransport(":0", env.ready.Load)
	if err := transport.ServeFederation(limiter, scorer); err != nil {
		t.Fatalf("failed to register federation service: %v", err)
	}
	if err := transport.ServeRooms(gate, env.store); err != nil {
		t.Fatalf("failed to register room service: %v", err)
	}
	if cfg.join != nil {
		coordinator := core.NewJoinCoordinator(gate, cfg.join, cfg.leave, nil, env.broker)
		if err := transport.ServeJoins(coordinator); err != nil {
			t.Fatalf("failed to register join service: %v", err)
		}
	}
	if err := transport.ServeStream(env.broker); err != nil {
		t.Fatalf("failed to register stream: %v", err)
	}
	transport.Configure(httptransport.HTTPTransportConfig{
		RequestTimeout: 5 * time.Second,
		EnableAuth:     cfg.enableAuth,
		AdminToken:     cfg.adminToken,
		ServerName:     "test.example.org",
		Metrics:        env.metrics,
	})
	handler, err := transport.Handler()
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func seedRoom(t *testing.T, env *testEnv, roomID string, events int64) {
	t.Helper()
	if _, err := env.store.RecordStateEvents(context.Background(), roomID, events); err != nil {
		t.Fatalf("failed to seed room: %v", err)
	}
}

func fetchComplexity(t *testing.T, env *testEnv, origin, roomID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/federation/unstable/rooms/"+roomID+"/complexity", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", `X-Matrix origin="`+origin+`",key="ed25519:1",sig="c2ln"`)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to get complexity: %v", err)
	}
	return resp
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) httptransport.HTTPErrorResponse {
	t.Helper()
	var body httptransport.HTTPErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestHTTP_Complexity_ReportsScore(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})
	seedRoom(t, env, "!big:example.org", 1000)

	resp := fetchComplexity(t, env, "remote.example", "!big:example.org")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	var score core.ComplexityScore
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		t.Fatalf("failed to decode score: %v", err)
	}
	if score.V1 != 2.0 {
		t.Fatalf("expected complexity 2.0 got %v", score.V1)
	}
}

func TestHTTP_Complexity_RequiresXMatrixOrigin(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})
	seedRoom(t, env, "!room:example.org", 10)

	resp, err := http.Get(env.server.URL + "/federation/unstable/rooms/!room:example.org/complexity")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrCode != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED got %q", body.ErrCode)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/federation/unstable/rooms/!room:example.org/complexity", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer sometoken")
	bearerResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	defer bearerResp.Body.Close()
	if bearerResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bearer scheme got %d", bearerResp.StatusCode)
	}
}

func TestHTTP_Complexity_UnknownRoomIs404(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})

	resp := fetchComplexity(t, env, "remote.example", "!nowhere:example.org")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrCode != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND got %q", body.ErrCode)
	}
}

func TestHTTP_Complexity_RejectsFloodingOrigin(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{
		ready: true,
		settings: core.RateLimitSettings{
			WindowSize:         time.Hour,
			SleepLimit:         50,
			SleepDelay:         time.Millisecond,
			RejectLimit:        2,
			ConcurrentRequests: 8,
		},
	})
	seedRoom(t, env, "!room:example.org", 10)

	for i := 0; i < 3; i++ {
		resp := fetchComplexity(t, env, "flood.example", "!room:example.org")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200 on request %d got %d", i+1, resp.StatusCode)
		}
	}

	resp := fetchComplexity(t, env, "flood.example", "!room:example.org")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrCode != "RESOURCE_LIMIT_EXCEEDED" {
		t.Fatalf("expected RESOURCE_LIMIT_EXCEEDED got %q", body.ErrCode)
	}

	counters, ok := env.metrics.Snapshot()["counters"].(map[string]int64)
	if !ok {
		t.Fatalf("expected counters in metrics snapshot")
	}
	if counters["admission|rejected|flood.example"] != 1 {
		t.Fatalf("expected one rejection counted, got %d", counters["admission|rejected|flood.example"])
	}

	otherResp := fetchComplexity(t, env, "calm.example", "!room:example.org")
	defer otherResp.Body.Close()
	if otherResp.StatusCode != http.StatusOK {
		t.Fatalf("expected other origin unaffected, got %d", otherResp.StatusCode)
	}
}

func TestHTTP_JoinEvaluate_AllowsUnderCeiling(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{
		ready:  true,
		policy: core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 10},
		fetcher: fetcherFunc(func(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
			return core.ComplexityScore{V1: 0.5}, nil
		}),
	})

	resp := postJSON(t, env.server.URL+"/internal/v1/joins/evaluate", httptransport.HTTPJoinRequest{
		RoomID: "!small:remote.example",
		Via:    []string{"remote.example"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	var verdict httptransport.HTTPVerdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	if !verdict.Allowed {
		t.Fatalf("expected allowed verdict, got %+v", verdict)
	}
}

func TestHTTP_JoinEvaluate_DeniesOverCeiling(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{
		ready:  true,
		policy: core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1},
		fetcher: fetcherFunc(func(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
			return core.ComplexityScore{V1: 9999}, nil
		}),
	})

	resp := postJSON(t, env.server.URL+"/internal/v1/joins/evaluate", httptransport.HTTPJoinRequest{
		RoomID: "!large:remote.example",
		Via:    []string{"remote.example"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	var verdict httptransport.HTTPVerdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	if verdict.Allowed || verdict.ErrCode != "RESOURCE_LIMIT_EXCEEDED" {
		t.Fatalf("expected limit denial, got %+v", verdict)
	}
}

func TestHTTP_JoinEvaluate_UnreachableIs502(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{
		ready:  true,
		policy: core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1},
		fetcher: fetcherFunc(func(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
			return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, "connection refused", nil)
		}),
	})

	resp := postJSON(t, env.server.URL+"/internal/v1/joins/evaluate", httptransport.HTTPJoinRequest{
		RoomID: "!unknown:remote.example",
		Via:    []string{"remote.example"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502 got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrCode != "FEDERATION_UNREACHABLE" {
		t.Fatalf("expected FEDERATION_UNREACHABLE got %q", body.ErrCode)
	}
}

func TestHTTP_RoomEvaluate_UsesLocalState(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{
		ready:  true,
		policy: core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1},
	})
	seedRoom(t, env, "!swollen:example.org", 5000)

	resp := postJSON(t, env.server.URL+"/internal/v1/rooms/!swollen:example.org/evaluate", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	var verdict httptransport.HTTPVerdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	if verdict.Allowed || verdict.ErrCode != "RESOURCE_LIMIT_EXCEEDED" {
		t.Fatalf("expected local denial, got %+v", verdict)
	}
}

func TestHTTP_JoinExecute_DenialPreventsJoin(t *testing.T) {
	t.Parallel()

	var joins atomic.Int64
	env := newTestServer(t, testServerConfig{
		ready:  true,
		policy: core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 1},
		fetcher: fetcherFunc(func(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
			return core.ComplexityScore{V1: 9999}, nil
		}),
		join: func(ctx context.Context, roomID string, destinations []string) error {
			joins.Add(1)
			return nil
		},
	})

	resp := postJSON(t, env.server.URL+"/internal/v1/joins/execute", httptransport.HTTPJoinRequest{
		RoomID: "!large:remote.example",
		Via:    []string{"remote.example"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrCode != "RESOURCE_LIMIT_EXCEEDED" {
		t.Fatalf("expected RESOURCE_LIMIT_EXCEEDED got %q", body.ErrCode)
	}
	if joins.Load() != 0 {
		t.Fatalf("expected no join handshake, got %d", joins.Load())
	}
}

func TestHTTP_JoinExecute_JoinsSmallRoom(t *testing.T) {
	t.Parallel()

	var joins atomic.Int64
	env := newTestServer(t, testServerConfig{
		ready:  true,
		policy: core.JoinPolicy{LimitLargeRoomJoins: true, ComplexityCeiling: 10},
		fetcher: fetcherFunc(func(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
			return core.ComplexityScore{V1: 0.25}, nil
		}),
		join: func(ctx context.Context, roomID string, destinations []string) error {
			joins.Add(1)
			return nil
		},
	})

	resp := postJSON(t, env.server.URL+"/internal/v1/joins/execute", httptransport.HTTPJoinRequest{
		RoomID: "!small:remote.example",
		Via:    []string{"remote.example"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	var joined httptransport.HTTPJoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&joined); err != nil {
		t.Fatalf("failed to decode join response: %v", err)
	}
	if !joined.Joined {
		t.Fatalf("expected joined response, got %+v", joined)
	}
	if joins.Load() != 1 {
		t.Fatalf("expected one join handshake, got %d", joins.Load())
	}
}

func TestHTTP_Ingest_AccumulatesStateEvents(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})

	resp := postJSON(t, env.server.URL+"/internal/v1/rooms/!fresh:example.org/events", httptransport.HTTPIngestRequest{Count: 2})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
	var ingest httptransport.HTTPIngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingest); err != nil {
		t.Fatalf("failed to decode ingest response: %v", err)
	}
	if ingest.Total != 2 {
		t.Fatalf("expected total 2 got %d", ingest.Total)
	}

	again := postJSON(t, env.server.URL+"/internal/v1/rooms/!fresh:example.org/events", httptransport.HTTPIngestRequest{Count: 3})
	defer again.Body.Close()
	if err := json.NewDecoder(again.Body).Decode(&ingest); err != nil {
		t.Fatalf("failed to decode ingest response: %v", err)
	}
	if ingest.Total != 5 {
		t.Fatalf("expected total 5 got %d", ingest.Total)
	}

	negative := postJSON(t, env.server.URL+"/internal/v1/rooms/!fresh:example.org/events", httptransport.HTTPIngestRequest{Count: -1})
	defer negative.Body.Close()
	if negative.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400 for negative count got %d", negative.StatusCode)
	}
}

func TestHTTP_ReadyReflectsReadiness(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: false})

	resp, err := http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("failed to get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", resp.StatusCode)
	}

	env.ready.Store(true)
	readyResp, err := http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("failed to get readyz: %v", err)
	}
	readyResp.Body.Close()
	if readyResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", readyResp.StatusCode)
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})
	seedRoom(t, env, "!room:example.org", 10)
	resp := fetchComplexity(t, env, "remote.example", "!room:example.org")
	resp.Body.Close()

	health, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("failed to get healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", health.StatusCode)
	}

	metricsResp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to get metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", metricsResp.StatusCode)
	}
	var snapshot map[string]any
	if err := json.NewDecoder(metricsResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if _, ok := snapshot["counters"]; !ok {
		t.Fatalf("expected counters in metrics snapshot, got %v", snapshot)
	}
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})

	resp := postJSON(t, env.server.URL+"/healthz", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405 got %d", resp.StatusCode)
	}

	getResp, err := http.Get(env.server.URL + "/internal/v1/joins/evaluate")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405 got %d", getResp.StatusCode)
	}
}

func TestHTTP_RejectsUnknownJSONFields(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})

	resp, err := http.Post(
		env.server.URL+"/internal/v1/joins/evaluate",
		"application/json",
		strings.NewReader(`{"room_id": "!r:example.org", "unexpected": true}`),
	)
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.ErrCode != "INVALID_INPUT" {
		t.Fatalf("expected INVALID_INPUT got %q", body.ErrCode)
	}
}

func TestHTTP_RequestIDGeneratedAndEchoed(t *testing.T) {
	t.Parallel()

	env := newTestServer(t, testServerConfig{ready: true})

	resp := fetchComplexity(t, env, "remote.example", "!missing:example.org")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", resp.StatusCode)
	}
	id := resp.Header.Get("X-Request-ID")
	if id == "" {
		t.Fatalf("expected a generated request id header")
	}
	if body := decodeError(t, resp); body.RequestID != id {
		t.Fatalf("expected error body to echo request id %q, got %q", id, body.RequestID)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-42")
	keep, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to get healthz: %v", err)
	}
	keep.Body.Close()
	if got := keep.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected the caller id kept, got %q", got)
	}
}

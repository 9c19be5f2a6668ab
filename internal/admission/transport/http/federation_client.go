// Package httptransport provides the outbound federation client.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Eyecu/synapse/internal/admission/core"
)

// maxComplexityBody bounds how much of a remote response is read.
const maxComplexityBody = 1 << 16

// defaultMaxDestinations caps the per-destination state map.
const defaultMaxDestinations = 1024

// FederationClient fetches room complexity from remote servers. Each
// destination gets a courtesy token bucket and a circuit breaker so one
// slow or broken peer cannot absorb the whole join path.
type FederationClient struct {
	client      *http.Client
	scheme      string
	rateLimit   rate.Limit
	burst       int
	breakerOpts core.BreakerOptions
	maxDest     int

	mu           sync.Mutex
	destinations map[string]*destinationState
}

type destinationState struct {
	limiter  *rate.Limiter
	breaker  *core.CircuitBreaker
	lastSeen time.Time
}

// FederationClientConfig configures the outbound client.
type FederationClientConfig struct {
	Timeout          time.Duration
	DestinationRate  float64
	DestinationBurst int
	InsecureHTTP     bool
	Breaker          core.BreakerOptions
	MaxDestinations  int
	// Transport overrides the HTTP round tripper, for tests.
	Transport http.RoundTripper
}

// NewFederationClient constructs a client with defaults applied.
func NewFederationClient(cfg FederationClientConfig) *FederationClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	scheme := "https"
	if cfg.InsecureHTTP {
		scheme = "http"
	}
	limit := rate.Limit(cfg.DestinationRate)
	if cfg.DestinationRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.DestinationBurst
	if burst <= 0 {
		burst = 1
	}
	maxDest := cfg.MaxDestinations
	if maxDest <= 0 {
		maxDest = defaultMaxDestinations
	}
	client := &http.Client{Timeout: timeout}
	if cfg.Transport != nil {
		client.Transport = cfg.Transport
	}
	return &FederationClient{
		client:       client,
		scheme:       scheme,
		rateLimit:    limit,
		burst:        burst,
		breakerOpts:  cfg.Breaker,
		maxDest:      maxDest,
		destinations: make(map[string]*destinationState),
	}
}

// FetchComplexity implements core.ComplexityFetcher.
func (c *FederationClient) FetchComplexity(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
	if c == nil {
		return core.ComplexityScore{}, core.Wrap(core.CodeInternal, "federation client is not configured", nil)
	}
	if destination == "" || roomID == "" {
		return core.ComplexityScore{}, core.ErrInvalidInput
	}
	state := c.destination(destination)
	if !state.breaker.Allow() {
		return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, "destination circuit open: "+destination, nil)
	}
	if err := state.limiter.Wait(ctx); err != nil {
		return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, "rate wait aborted for "+destination, err)
	}
	score, err := c.get(ctx, destination, roomID)
	if err != nil {
		state.breaker.OnFailure()
		return core.ComplexityScore{}, err
	}
	state.breaker.OnSuccess()
	return score, nil
}

func (c *FederationClient) get(ctx context.Context, destination, roomID string) (core.ComplexityScore, error) {
	u := url.URL{
		Scheme: c.scheme,
		Host:   destination,
		Path:   federationRoomsPrefix + roomID + "/complexity",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, "build complexity request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, "complexity request to "+destination+" failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxComplexityBody))
		return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, destination+" returned status "+strconv.Itoa(resp.StatusCode), nil)
	}
	var score core.ComplexityScore
	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxComplexityBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&score); err != nil {
		return core.ComplexityScore{}, core.Wrap(core.CodeFederationUnreachable, "malformed complexity body from "+destination, err)
	}
	return score, nil
}

// destination returns the state for a destination, creating it if needed.
// When the map is full the least recently used entry is dropped.
func (c *FederationClient) destination(name string) *destinationState {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.destinations[name]
	if ok {
		state.lastSeen = now
		return state
	}
	if len(c.destinations) >= c.maxDest {
		oldestName := ""
		var oldest time.Time
		for candidate, entry := range c.destinations {
			if oldestName == "" || entry.lastSeen.Before(oldest) {
				oldestName = candidate
				oldest = entry.lastSeen
			}
		}
		delete(c.destinations, oldestName)
	}
	state = &destinationState{
		limiter:  rate.NewLimiter(c.rateLimit, c.burst),
		breaker:  core.NewCircuitBreaker(c.breakerOpts),
		lastSeen: now,
	}
	c.destinations[name] = state
	return state
}

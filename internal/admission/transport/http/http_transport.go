// Package httptransport provides the HTTP transport for the admission service.
package httptransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Eyecu/synapse/internal/admission/core"
	"github.com/Eyecu/synapse/internal/admission/observability"
)

// HTTPTransport serves the federation surface, the internal room APIs and
// the ops endpoints over HTTP.
type HTTPTransport struct {
	addr           string
	srv            *http.Server
	limiter        *core.FederationLimiter
	scorer         core.ComplexityScorer
	gate           *core.ComplexityGate
	joins          *core.JoinCoordinator
	stats          core.RoomStatsSource
	broker         *core.EventBroker
	inflight       *core.InFlight
	appReady       func() bool
	mux            http.Handler
	mu             sync.Mutex
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	requestTimeout time.Duration
	maxBodyBytes   int64
	enableAuth     bool
	adminToken     string
	serverName     string
	logger         observability.Logger
	metrics        observability.Metrics
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	EnableAuth     bool
	AdminToken     string
	ServerName     string
	Logger         observability.Logger
	Metrics        observability.Metrics
	InFlight       *core.InFlight
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, ready func() bool) *HTTPTransport {
	if addr == "" {
		addr = ":8448"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &HTTPTransport{addr: addr, appReady: ready}
}

// ServeFederation registers the federation-facing complexity endpoint.
func (t *HTTPTransport) ServeFederation(limiter *core.FederationLimiter, scorer core.ComplexityScorer) error {
	if limiter == nil {
		return errors.New("federation limiter is required")
	}
	if scorer == nil {
		return errors.New("complexity scorer is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter = limiter
	t.scorer = scorer
	return nil
}

// ServeRooms registers the internal room evaluation and ingest endpoints.
func (t *HTTPTransport) ServeRooms(gate *core.ComplexityGate, stats core.RoomStatsSource) error {
	if gate == nil {
		return errors.New("complexity gate is required")
	}
	if stats == nil {
		return errors.New("room stats source is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = gate
	t.stats = stats
	return nil
}

// ServeJoins registers the guarded join workflow endpoint. Optional; the
// endpoint is only routed when a coordinator is provided.
func (t *HTTPTransport) ServeJoins(coordinator *core.JoinCoordinator) error {
	if coordinator == nil {
		return errors.New("join coordinator is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins = coordinator
	return nil
}

// ServeStream registers the admin event stream. Optional; the endpoint is
// only routed when a broker is provided.
func (t *HTTPTransport) ServeStream(broker *core.EventBroker) error {
	if broker == nil {
		return errors.New("event broker is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broker = broker
	return nil
}

// Configure applies transport configuration values.
func (t *HTTPTransport) Configure(cfg HTTPTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = cfg.ReadTimeout
	t.writeTimeout = cfg.WriteTimeout
	t.idleTimeout = cfg.IdleTimeout
	t.requestTimeout = cfg.RequestTimeout
	if cfg.MaxBodyBytes > 0 {
		t.maxBodyBytes = cfg.MaxBodyBytes
	}
	t.enableAuth = cfg.EnableAuth
	t.adminToken = cfg.AdminToken
	t.serverName = cfg.ServerName
	t.logger = cfg.Logger
	t.metrics = cfg.Metrics
	t.inflight = cfg.InFlight
}

// Start begins serving HTTP requests.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.limiter == nil || t.scorer == nil {
		return nil, errors.New("federation service must be registered before starting")
	}
	if t.gate == nil || t.stats == nil {
		return nil, errors.New("room service must be registered before starting")
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	t.mux = withRequestID(mux)
	return t.mux, nil
}

// Package app wires application dependencies.
package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Eyecu/synapse/internal/admission/config"
	"github.com/Eyecu/synapse/internal/admission/core"
	"github.com/Eyecu/synapse/internal/admission/observability"
	"github.com/Eyecu/synapse/internal/admission/store/inmemory"
	"github.com/Eyecu/synapse/internal/admission/store/redisstore"
	grpctransport "github.com/Eyecu/synapse/internal/admission/transport/grpc"
	httptransport "github.com/Eyecu/synapse/internal/admission/transport/http"
)

type transport interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Application holds core components for the service.
type Application struct {
	Config    *config.Config
	RoomStats core.RoomStatsSource
	Scorer    *core.V1Scorer
	Limiter   *core.FederationLimiter
	Gate      *core.ComplexityGate
	Joins     *core.JoinCoordinator
	Broker    *core.EventBroker
	Fetcher   core.ComplexityFetcher

	ready         atomic.Bool
	httpTransport *httptransport.HTTPTransport
	grpcTransport *grpctransport.GRPCTransport
	transports    []transport
	metrics       observability.Metrics
	inflight      *core.InFlight
	drainTimeout  time.Duration
	logger        observability.Logger
	redis         *redis.Client
	wg            sync.WaitGroup
}

// NewApplication validates configuration and prepares the application.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPReadTimeout == 0 {
		cfg.HTTPReadTimeout = 5 * time.Second
	}
	if cfg.HTTPWriteTimeout == 0 {
		cfg.HTTPWriteTimeout = 10 * time.Second
	}
	if cfg.HTTPIdleTimeout == 0 {
		cfg.HTTPIdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ClientTimeout == 0 {
		cfg.ClientTimeout = 10 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if cfg.CoalesceShards <= 0 {
		cfg.CoalesceShards = 64
	}
	if cfg.CoalesceTTL <= 0 {
		cfg.CoalesceTTL = 5 * time.Second
	}
	if cfg.TraceSampleRate == 0 {
		cfg.TraceSampleRate = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewZerologLogger(os.Stdout, cfg.LogLevel, "synapse-admission")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer{}
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = observability.NewHashSampler(cfg.TraceSampleRate)
	}

	var redisClient *redis.Client
	stats := cfg.RoomStats
	if stats == nil {
		switch cfg.RoomStoreBackend {
		case config.StoreBackendRedis:
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			stats = redisstore.New(redisClient, cfg.RedisKeyPrefix)
		default:
			stats = inmemory.New()
		}
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = httptransport.NewFederationClient(httptransport.FederationClientConfig{
			Timeout:          cfg.ClientTimeout,
			DestinationRate:  cfg.DestinationRate,
			DestinationBurst: cfg.DestinationBurst,
			InsecureHTTP:     cfg.InsecureFederation,
			Breaker:          cfg.BreakerOptions,
		})
	}

	scorer := core.NewV1Scorer(stats)
	coalescer := core.NewScoreCoalescer(cfg.CoalesceShards, cfg.CoalesceTTL)
	gate := core.NewComplexityGate(cfg.JoinPolicy, fetcher, scorer, coalescer, logger, metrics)
	gate.SetTracing(tracer, sampler)
	limiter := core.NewFederationLimiter(cfg.RateLimit, cfg.Clock)
	limiter.SetTracing(tracer, sampler)

	var broker *core.EventBroker
	if cfg.StreamEnabled {
		broker = core.NewEventBroker(cfg.StreamBuffer)
	}
	var joins *core.JoinCoordinator
	if cfg.JoinFunc != nil {
		joins = core.NewJoinCoordinator(gate, cfg.JoinFunc, cfg.LeaveFunc, logger, broker)
	}

	app := &Application{
		Config:       cfg,
		RoomStats:    stats,
		Scorer:       scorer,
		Limiter:      limiter,
		Gate:         gate,
		Joins:        joins,
		Broker:       broker,
		Fetcher:      fetcher,
		metrics:      metrics,
		inflight:     core.NewInFlight(),
		drainTimeout: cfg.DrainTimeout,
		logger:       logger,
		redis:        redisClient,
	}

	if cfg.EnableHTTP {
		transport := httptransport.NewHTTPTransport(cfg.HTTPListenAddr, app.Ready)
		if err := transport.ServeFederation(limiter, scorer); err != nil {
			return nil, err
		}
		if err := transport.ServeRooms(gate, stats); err != nil {
			return nil, err
		}
		if joins != nil {
			if err := transport.ServeJoins(joins); err != nil {
				return nil, err
			}
		}
		if broker != nil {
			if err := transport.ServeStream(broker); err != nil {
				return nil, err
			}
		}
		transport.Configure(httptransport.HTTPTransportConfig{
			ReadTimeout:    cfg.HTTPReadTimeout,
			WriteTimeout:   cfg.HTTPWriteTimeout,
			IdleTimeout:    cfg.HTTPIdleTimeout,
			RequestTimeout: cfg.RequestTimeout,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			EnableAuth:     cfg.EnableAuth,
			AdminToken:     cfg.AdminToken,
			ServerName:     cfg.ServerName,
			Logger:         logger,
			Metrics:        metrics,
			InFlight:       app.inflight,
		})
		app.httpTransport = transport
		app.transports = append(app.transports, transport)
	}

	if cfg.EnableGRPC {
		transport := grpctransport.NewGRPCTransport(cfg.GRPCListenAddr, app.Ready)
		transport.Configure(grpctransport.GRPCTransportConfig{
			Logger:  logger,
			Metrics: metrics,
		})
		app.grpcTransport = transport
		app.transports = append(app.transports, transport)
	}

	return app, nil
}

// Start verifies dependencies and begins serving. Transports run until
// Shutdown is called.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if app.RoomStats != nil {
		if err := app.RoomStats.Healthy(ctx); err != nil {
			return core.Wrap(core.CodeInternal, "room store is not reachable", err)
		}
	}

	app.ready.Store(true)
	for _, t := range app.transports {
		if t == nil {
			continue
		}
		app.wg.Add(1)
		t := t
		go func() {
			defer app.wg.Done()
			if err := t.Start(); err != nil && app.logger != nil {
				app.logger.Error("transport stopped", map[string]any{"error": err.Error()})
			}
		}()
	}

	if app.logger != nil && app.Config != nil {
		app.logger.Info("application started", map[string]any{
			"server_name":  app.Config.ServerName,
			"http_enabled": app.Config.EnableHTTP,
			"grpc_enabled": app.Config.EnableGRPC,
			"joins_gated":  app.Config.JoinPolicy.LimitLargeRoomJoins,
		})
	}
	return nil
}

// Shutdown drains in-flight requests and stops transports.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	if app.grpcTransport != nil {
		app.grpcTransport.SetServing(false)
	}
	if app.logger != nil && app.Config != nil {
		app.logger.Info("application shutdown", map[string]any{
			"server_name": app.Config.ServerName,
		})
	}

	var drainErr error
	if app.inflight != nil {
		app.inflight.Close()
		drainCtx := ctx
		if app.drainTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, app.drainTimeout)
			defer cancel()
		}
		drainErr = app.inflight.Wait(drainCtx)
	}

	for _, t := range app.transports {
		if t == nil {
			continue
		}
		_ = t.Shutdown(ctx)
	}
	if app.Broker != nil {
		app.Broker.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the application has completed startup.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load()
}

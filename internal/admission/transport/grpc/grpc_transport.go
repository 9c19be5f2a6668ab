// Package grpctransport provides the gRPC transport for the admission service.
package grpctransport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/Eyecu/synapse/internal/admission/observability"
)

// healthServiceName is the per-service health entry alongside the
// server-wide empty name.
const healthServiceName = "synapse.admission"

// GRPCTransport serves the standard gRPC health API so orchestrators can
// probe the admission service without speaking its HTTP surface.
type GRPCTransport struct {
	addr   string
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
	ready  func() bool

	keepAlive time.Duration
	logger    observability.Logger
	metrics   observability.Metrics
	mu        sync.Mutex
}

// GRPCTransportConfig tunes the gRPC transport.
type GRPCTransportConfig struct {
	KeepAlive time.Duration
	Logger    observability.Logger
	Metrics   observability.Metrics
}

// NewGRPCTransport constructs a transport bound to an address.
func NewGRPCTransport(addr string, ready func() bool) *GRPCTransport {
	if addr == "" {
		addr = ":9448"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &GRPCTransport{addr: addr, ready: ready, keepAlive: 60 * time.Second}
}

// Configure applies transport settings. It must be called before Start.
func (t *GRPCTransport) Configure(cfg GRPCTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.KeepAlive > 0 {
		t.keepAlive = cfg.KeepAlive
	}
	if cfg.Logger != nil {
		t.logger = cfg.Logger
	}
	if cfg.Metrics != nil {
		t.metrics = cfg.Metrics
	}
}

// Start begins serving gRPC requests. It blocks until the server stops.
func (t *GRPCTransport) Start() error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	t.mu.Lock()
	listener := t.lis
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.lis = listener
	}
	if t.srv == nil {
		opts := []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(
				grpcLoggingInterceptor(t.logger),
				grpcMetricsInterceptor(t.metrics),
			),
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: t.keepAlive}),
		}
		t.srv = grpc.NewServer(opts...)
		t.health = health.NewServer()
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if t.ready() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		t.health.SetServingStatus("", status)
		t.health.SetServingStatus(healthServiceName, status)
		healthpb.RegisterHealthServer(t.srv, t.health)
	}
	srv := t.srv
	t.mu.Unlock()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing flips the advertised health status.
func (t *GRPCTransport) SetServing(serving bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	t.health.SetServingStatus("", status)
	t.health.SetServingStatus(healthServiceName, status)
}

// Shutdown stops the gRPC server, waiting for in-flight calls until the
// context expires.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	listener := t.lis
	hs := t.health
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	if hs != nil {
		hs.Shutdown()
	}
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		if listener != nil {
			_ = listener.Close()
		}
		return ctx.Err()
	}
	if listener != nil {
		_ = listener.Close()
	}
	return nil
}

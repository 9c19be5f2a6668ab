// Package grpctransport provides gRPC interceptors.
package grpctransport

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"

	"github.com/Eyecu/synapse/internal/admission/observability"
)

func grpcLoggingInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if logger != nil {
			fields := map[string]any{
				"method":      info.FullMethod,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				logger.Error("grpc request error", fields)
			} else {
				logger.Info("grpc request", fields)
			}
		}
		return resp, err
	}
}

func grpcMetricsInterceptor(metrics observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if metrics != nil {
			metrics.ObserveLatency("grpc"+grpcMethodName(info.FullMethod), time.Since(start))
		}
		return resp, err
	}
}

func grpcMethodName(fullMethod string) string {
	if fullMethod == "" {
		return "Unknown"
	}
	return path.Base(fullMethod)
}

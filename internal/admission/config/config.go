// Package config provides configuration for the application wiring.
package config

import (
	"errors"
	"math"
	"time"

	"github.com/Eyecu/synapse/internal/admission/core"
	"github.com/Eyecu/synapse/internal/admission/observability"
)

// Config captures dependency and runtime settings. Settings are fixed once
// the application starts; there is no runtime reconfiguration surface.
type Config struct {
	ServerName string

	EnableHTTP       bool
	HTTPListenAddr   string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration
	DrainTimeout     time.Duration
	MaxBodyBytes     int64

	EnableGRPC     bool
	GRPCListenAddr string

	EnableAuth bool
	AdminToken string

	RateLimit  core.RateLimitSettings
	JoinPolicy core.JoinPolicy

	RoomStoreBackend string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisKeyPrefix   string

	ClientTimeout        time.Duration
	DestinationRate      float64
	DestinationBurst     int
	InsecureFederation   bool
	BreakerOptions       core.BreakerOptions

	StreamEnabled bool
	StreamBuffer  int

	CoalesceShards int
	CoalesceTTL    time.Duration

	TraceSampleRate int
	LogLevel        string

	// Injected dependencies, primarily for tests and embedding hosts.
	RoomStats core.RoomStatsSource
	Fetcher   core.ComplexityFetcher
	JoinFunc  core.RemoteJoinFunc
	LeaveFunc core.LeaveFunc
	Clock     core.Clock
	Logger    observability.Logger
	Metrics   observability.Metrics
	Tracer    observability.Tracer
	Sampler   observability.Sampler
}

// Store backends for room activity counters.
const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

// Validate checks settings that cannot be defaulted away. Violations are
// fatal at startup.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.ServerName == "" {
		return errors.New("server_name is required")
	}
	if cfg.EnableHTTP && cfg.HTTPListenAddr == "" {
		return errors.New("http listen address is required")
	}
	if cfg.EnableGRPC && cfg.GRPCListenAddr == "" {
		return errors.New("grpc listen address is required")
	}
	if cfg.EnableAuth && cfg.AdminToken == "" {
		return errors.New("admin token is required when auth is enabled")
	}
	if cfg.RateLimit.WindowSize < 0 || cfg.RateLimit.SleepDelay < 0 {
		return errors.New("rate limiter durations must not be negative")
	}
	if cfg.RateLimit.SleepLimit < 0 || cfg.RateLimit.RejectLimit < 0 {
		return errors.New("rate limiter thresholds must not be negative")
	}
	if cfg.RateLimit.RejectLimit > 0 && cfg.RateLimit.SleepLimit > cfg.RateLimit.RejectLimit {
		return errors.New("reject_limit must be at least sleep_limit")
	}
	if cfg.RateLimit.ConcurrentRequests < 0 || cfg.RateLimit.MaxOrigins < 0 {
		return errors.New("rate limiter capacities must not be negative")
	}
	if math.IsNaN(cfg.JoinPolicy.ComplexityCeiling) || math.IsInf(cfg.JoinPolicy.ComplexityCeiling, 0) {
		return errors.New("complexity ceiling must be finite")
	}
	if cfg.JoinPolicy.ComplexityCeiling < 0 {
		return errors.New("complexity ceiling must not be negative")
	}
	switch cfg.RoomStoreBackend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("redis address is required for the redis room store")
		}
	default:
		return errors.New("room store backend must be memory or redis")
	}
	if cfg.HTTPReadTimeout < 0 || cfg.HTTPWriteTimeout < 0 || cfg.HTTPIdleTimeout < 0 {
		return errors.New("http timeouts must not be negative")
	}
	if cfg.RequestTimeout < 0 || cfg.DrainTimeout < 0 || cfg.ClientTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if cfg.DestinationRate < 0 || cfg.DestinationBurst < 0 {
		return errors.New("destination rate and burst must not be negative")
	}
	return nil
}

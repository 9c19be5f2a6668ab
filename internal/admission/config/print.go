// Package config provides CLI helpers.
package config

import (
	"errors"
	"io"

	"github.com/goccy/go-yaml"
)

// Print writes the effective config to the writer as YAML in the same
// layout the config file uses. Secrets are redacted.
func Print(w io.Writer, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if w == nil {
		return errors.New("writer is required")
	}
	data, err := yaml.Marshal(newSnapshot(cfg))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type configSnapshot struct {
	ServerName string         `yaml:"server_name"`
	HTTP       httpSnapshot   `yaml:"http"`
	GRPC       grpcSnapshot   `yaml:"grpc"`
	Admin      adminSnapshot  `yaml:"admin"`
	RateLimit  limitSnapshot  `yaml:"federation_rate_limiter"`
	RoomJoins  joinsSnapshot  `yaml:"room_joins"`
	RoomStore  storeSnapshot  `yaml:"room_store"`
	Client     clientSnapshot `yaml:"federation_client"`
	Stream     streamSnapshot `yaml:"stream"`
	Coalesce   mergeSnapshot  `yaml:"coalesce"`
	Log        logSnapshot    `yaml:"log"`
	SampleRate int            `yaml:"trace_sample_rate"`
}

type httpSnapshot struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
	RequestMS      int64  `yaml:"request_timeout_ms"`
	DrainMS        int64  `yaml:"drain_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type grpcSnapshot struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type adminSnapshot struct {
	EnableAuth bool   `yaml:"enable_auth"`
	Token      string `yaml:"token"`
}

type limitSnapshot struct {
	WindowSizeMS       int64 `yaml:"window_size_ms"`
	SleepLimit         int   `yaml:"sleep_limit"`
	SleepDelayMS       int64 `yaml:"sleep_delay_ms"`
	RejectLimit        int   `yaml:"reject_limit"`
	ConcurrentRequests int   `yaml:"concurrent_requests"`
	MaxOrigins         int   `yaml:"max_origins"`
}

type joinsSnapshot struct {
	LimitLargeRoomJoins bool    `yaml:"limit_large_room_joins"`
	ComplexityCeiling   float64 `yaml:"complexity_ceiling"`
}

type storeSnapshot struct {
	Backend     string `yaml:"backend"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_key_prefix"`
}

type clientSnapshot struct {
	RequestMS        int64   `yaml:"request_timeout_ms"`
	DestinationRate  float64 `yaml:"destination_rate"`
	DestinationBurst int     `yaml:"destination_burst"`
	InsecureHTTP     bool    `yaml:"insecure_http"`
	BreakerFailures  int64   `yaml:"breaker_failure_threshold"`
	BreakerOpenMS    int64   `yaml:"breaker_open_ms"`
	BreakerHalfOpen  int64   `yaml:"breaker_half_open_max_calls"`
}

type streamSnapshot struct {
	Enabled bool `yaml:"enabled"`
	Buffer  int  `yaml:"buffer"`
}

type mergeSnapshot struct {
	Shards int   `yaml:"shards"`
	TTLMS  int64 `yaml:"ttl_ms"`
}

type logSnapshot struct {
	Level string `yaml:"level"`
}

func newSnapshot(cfg *Config) configSnapshot {
	token := ""
	if cfg.AdminToken != "" {
		token = "<redacted>"
	}
	return configSnapshot{
		ServerName: cfg.ServerName,
		HTTP: httpSnapshot{
			Enabled:        cfg.EnableHTTP,
			Listen:         cfg.HTTPListenAddr,
			ReadTimeoutMS:  cfg.HTTPReadTimeout.Milliseconds(),
			WriteTimeoutMS: cfg.HTTPWriteTimeout.Milliseconds(),
			IdleTimeoutMS:  cfg.HTTPIdleTimeout.Milliseconds(),
			RequestMS:      cfg.RequestTimeout.Milliseconds(),
			DrainMS:        cfg.DrainTimeout.Milliseconds(),
			MaxBodyBytes:   cfg.MaxBodyBytes,
		},
		GRPC: grpcSnapshot{
			Enabled: cfg.EnableGRPC,
			Listen:  cfg.GRPCListenAddr,
		},
		Admin: adminSnapshot{
			EnableAuth: cfg.EnableAuth,
			Token:      token,
		},
		RateLimit: limitSnapshot{
			WindowSizeMS:       cfg.RateLimit.WindowSize.Milliseconds(),
			SleepLimit:         cfg.RateLimit.SleepLimit,
			SleepDelayMS:       cfg.RateLimit.SleepDelay.Milliseconds(),
			RejectLimit:        cfg.RateLimit.RejectLimit,
			ConcurrentRequests: cfg.RateLimit.ConcurrentRequests,
			MaxOrigins:         cfg.RateLimit.MaxOrigins,
		},
		RoomJoins: joinsSnapshot{
			LimitLargeRoomJoins: cfg.JoinPolicy.LimitLargeRoomJoins,
			ComplexityCeiling:   cfg.JoinPolicy.ComplexityCeiling,
		},
		RoomStore: storeSnapshot{
			Backend:     cfg.RoomStoreBackend,
			RedisAddr:   cfg.RedisAddr,
			RedisDB:     cfg.RedisDB,
			RedisPrefix: cfg.RedisKeyPrefix,
		},
		Client: clientSnapshot{
			RequestMS:        cfg.ClientTimeout.Milliseconds(),
			DestinationRate:  cfg.DestinationRate,
			DestinationBurst: cfg.DestinationBurst,
			InsecureHTTP:     cfg.InsecureFederation,
			BreakerFailures:  cfg.BreakerOptions.FailureThreshold,
			BreakerOpenMS:    cfg.BreakerOptions.OpenDuration.Milliseconds(),
			BreakerHalfOpen:  cfg.BreakerOptions.HalfOpenMaxCalls,
		},
		Stream: streamSnapshot{
			Enabled: cfg.StreamEnabled,
			Buffer:  cfg.StreamBuffer,
		},
		Coalesce: mergeSnapshot{
			Shards: cfg.CoalesceShards,
			TTLMS:  cfg.CoalesceTTL.Milliseconds(),
		},
		Log: logSnapshot{
			Level: cfg.LogLevel,
		},
		SampleRate: cfg.TraceSampleRate,
	}
}

// Package config provides configuration loading.
package config

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/Eyecu/synapse/internal/admission/core"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// Load builds configuration from defaults, file, env, and flags, in that
// precedence order.
func Load(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flags, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if flags.ConfigPath != nil {
		configPath = *flags.ConfigPath
	}

	cfg := Default()
	if configPath != "" {
		overrides, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		applyFileOverrides(cfg, overrides)
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flags)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		EnableHTTP:       true,
		HTTPListenAddr:   ":8448",
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		RequestTimeout:   10 * time.Second,
		DrainTimeout:     5 * time.Second,
		MaxBodyBytes:     1 << 20,
		EnableGRPC:       false,
		GRPCListenAddr:   ":9448",
		RateLimit: core.RateLimitSettings{
			WindowSize:         time.Second,
			SleepLimit:         10,
			SleepDelay:         500 * time.Millisecond,
			RejectLimit:        50,
			ConcurrentRequests: 3,
			MaxOrigins:         10000,
		},
		JoinPolicy: core.JoinPolicy{
			LimitLargeRoomJoins: false,
			ComplexityCeiling:   1.0,
		},
		RoomStoreBackend: StoreBackendMemory,
		RedisKeyPrefix:   "synapse:room",
		ClientTimeout:    10 * time.Second,
		DestinationRate:  10,
		DestinationBurst: 20,
		BreakerOptions: core.BreakerOptions{
			FailureThreshold: 5,
			OpenDuration:     30 * time.Second,
			HalfOpenMaxCalls: 2,
		},
		StreamEnabled:   true,
		StreamBuffer:    64,
		CoalesceShards:  64,
		CoalesceTTL:     5 * time.Second,
		TraceSampleRate: 100,
		LogLevel:        "info",
	}
}

// fileConfig mirrors the YAML layout with pointer fields so absent keys
// leave defaults untouched. Durations are integer milliseconds.
type fileConfig struct {
	ServerName *string     `yaml:"server_name"`
	HTTP       *httpFile   `yaml:"http"`
	GRPC       *grpcFile   `yaml:"grpc"`
	Admin      *adminFile  `yaml:"admin"`
	RateLimit  *limitFile  `yaml:"federation_rate_limiter"`
	RoomJoins  *joinsFile  `yaml:"room_joins"`
	RoomStore  *storeFile  `yaml:"room_store"`
	Client     *clientFile `yaml:"federation_client"`
	Stream     *streamFile `yaml:"stream"`
	Coalesce   *mergeFile  `yaml:"coalesce"`
	Log        *logFile    `yaml:"log"`
	SampleRate *int        `yaml:"trace_sample_rate"`
}

type httpFile struct {
	Enabled        *bool   `yaml:"enabled"`
	Listen         *string `yaml:"listen"`
	ReadTimeoutMS  *int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMS *int64  `yaml:"write_timeout_ms"`
	IdleTimeoutMS  *int64  `yaml:"idle_timeout_ms"`
	RequestMS      *int64  `yaml:"request_timeout_ms"`
	DrainMS        *int64  `yaml:"drain_timeout_ms"`
	MaxBodyBytes   *int64  `yaml:"max_body_bytes"`
}

type grpcFile struct {
	Enabled *bool   `yaml:"enabled"`
	Listen  *string `yaml:"listen"`
}

type adminFile struct {
	EnableAuth *bool   `yaml:"enable_auth"`
	Token      *string `yaml:"token"`
}

type limitFile struct {
	WindowSizeMS       *int64 `yaml:"window_size_ms"`
	SleepLimit         *int   `yaml:"sleep_limit"`
	SleepDelayMS       *int64 `yaml:"sleep_delay_ms"`
	RejectLimit        *int   `yaml:"reject_limit"`
	ConcurrentRequests *int   `yaml:"concurrent_requests"`
	MaxOrigins         *int   `yaml:"max_origins"`
}

type joinsFile struct {
	LimitLargeRoomJoins *bool    `yaml:"limit_large_room_joins"`
	ComplexityCeiling   *float64 `yaml:"complexity_ceiling"`
}

type storeFile struct {
	Backend       *string `yaml:"backend"`
	RedisAddr     *string `yaml:"redis_addr"`
	RedisPassword *string `yaml:"redis_password"`
	RedisDB       *int    `yaml:"redis_db"`
	RedisPrefix   *string `yaml:"redis_key_prefix"`
}

type clientFile struct {
	RequestMS        *int64   `yaml:"request_timeout_ms"`
	DestinationRate  *float64 `yaml:"destination_rate"`
	DestinationBurst *int     `yaml:"destination_burst"`
	InsecureHTTP     *bool    `yaml:"insecure_http"`
	BreakerFailures  *int64   `yaml:"breaker_failure_threshold"`
	BreakerOpenMS    *int64   `yaml:"breaker_open_ms"`
	BreakerHalfOpen  *int64   `yaml:"breaker_half_open_max_calls"`
}

type streamFile struct {
	Enabled *bool `yaml:"enabled"`
	Buffer  *int  `yaml:"buffer"`
}

type mergeFile struct {
	Shards *int   `yaml:"shards"`
	TTLMS  *int64 `yaml:"ttl_ms"`
}

type logFile struct {
	Level *string `yaml:"level"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides fileConfig
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, err
	}
	return &overrides, nil
}

func applyFileOverrides(cfg *Config, overrides *fileConfig) {
	if cfg == nil || overrides == nil {
		return
	}
	if overrides.ServerName != nil {
		cfg.ServerName = *overrides.ServerName
	}
	if overrides.HTTP != nil {
		if overrides.HTTP.Enabled != nil {
			cfg.EnableHTTP = *overrides.HTTP.Enabled
		}
		if overrides.HTTP.Listen != nil {
			cfg.HTTPListenAddr = *overrides.HTTP.Listen
		}
		applyMillis(&cfg.HTTPReadTimeout, overrides.HTTP.ReadTimeoutMS)
		applyMillis(&cfg.HTTPWriteTimeout, overrides.HTTP.WriteTimeoutMS)
		applyMillis(&cfg.HTTPIdleTimeout, overrides.HTTP.IdleTimeoutMS)
		applyMillis(&cfg.RequestTimeout, overrides.HTTP.RequestMS)
		applyMillis(&cfg.DrainTimeout, overrides.HTTP.DrainMS)
		if overrides.HTTP.MaxBodyBytes != nil {
			cfg.MaxBodyBytes = *overrides.HTTP.MaxBodyBytes
		}
	}
	if overrides.GRPC != nil {
		if overrides.GRPC.Enabled != nil {
			cfg.EnableGRPC = *overrides.GRPC.Enabled
		}
		if overrides.GRPC.Listen != nil {
			cfg.GRPCListenAddr = *overrides.GRPC.Listen
		}
	}
	if overrides.Admin != nil {
		if overrides.Admin.EnableAuth != nil {
			cfg.EnableAuth = *overrides.Admin.EnableAuth
		}
		if overrides.Admin.Token != nil {
			cfg.AdminToken = *overrides.Admin.Token
		}
	}
	if overrides.RateLimit != nil {
		applyMillis(&cfg.RateLimit.WindowSize, overrides.RateLimit.WindowSizeMS)
		if overrides.RateLimit.SleepLimit != nil {
			cfg.RateLimit.SleepLimit = *overrides.RateLimit.SleepLimit
		}
		applyMillis(&cfg.RateLimit.SleepDelay, overrides.RateLimit.SleepDelayMS)
		if overrides.RateLimit.RejectLimit != nil {
			cfg.RateLimit.RejectLimit = *overrides.RateLimit.RejectLimit
		}
		if overrides.RateLimit.ConcurrentRequests != nil {
			cfg.RateLimit.ConcurrentRequests = *overrides.RateLimit.ConcurrentRequests
		}
		if overrides.RateLimit.MaxOrigins != nil {
			cfg.RateLimit.MaxOrigins = *overrides.RateLimit.MaxOrigins
		}
	}
	if overrides.RoomJoins != nil {
		if overrides.RoomJoins.LimitLargeRoomJoins != nil {
			cfg.JoinPolicy.LimitLargeRoomJoins = *overrides.RoomJoins.LimitLargeRoomJoins
		}
		if overrides.RoomJoins.ComplexityCeiling != nil {
			cfg.JoinPolicy.ComplexityCeiling = *overrides.RoomJoins.ComplexityCeiling
		}
	}
	if overrides.RoomStore != nil {
		if overrides.RoomStore.Backend != nil {
			cfg.RoomStoreBackend = *overrides.RoomStore.Backend
		}
		if overrides.RoomStore.RedisAddr != nil {
			cfg.RedisAddr = *overrides.RoomStore.RedisAddr
		}
		if overrides.RoomStore.RedisPassword != nil {
			cfg.RedisPassword = *overrides.RoomStore.RedisPassword
		}
		if overrides.RoomStore.RedisDB != nil {
			cfg.RedisDB = *overrides.RoomStore.RedisDB
		}
		if overrides.RoomStore.RedisPrefix != nil {
			cfg.RedisKeyPrefix = *overrides.RoomStore.RedisPrefix
		}
	}
	if overrides.Client != nil {
		applyMillis(&cfg.ClientTimeout, overrides.Client.RequestMS)
		if overrides.Client.DestinationRate != nil {
			cfg.DestinationRate = *overrides.Client.DestinationRate
		}
		if overrides.Client.DestinationBurst != nil {
			cfg.DestinationBurst = *overrides.Client.DestinationBurst
		}
		if overrides.Client.InsecureHTTP != nil {
			cfg.InsecureFederation = *overrides.Client.InsecureHTTP
		}
		if overrides.Client.BreakerFailures != nil {
			cfg.BreakerOptions.FailureThreshold = *overrides.Client.BreakerFailures
		}
		applyMillis(&cfg.BreakerOptions.OpenDuration, overrides.Client.BreakerOpenMS)
		if overrides.Client.BreakerHalfOpen != nil {
			cfg.BreakerOptions.HalfOpenMaxCalls = *overrides.Client.BreakerHalfOpen
		}
	}
	if overrides.Stream != nil {
		if overrides.Stream.Enabled != nil {
			cfg.StreamEnabled = *overrides.Stream.Enabled
		}
		if overrides.Stream.Buffer != nil {
			cfg.StreamBuffer = *overrides.Stream.Buffer
		}
	}
	if overrides.Coalesce != nil {
		if overrides.Coalesce.Shards != nil {
			cfg.CoalesceShards = *overrides.Coalesce.Shards
		}
		applyMillis(&cfg.CoalesceTTL, overrides.Coalesce.TTLMS)
	}
	if overrides.Log != nil && overrides.Log.Level != nil {
		cfg.LogLevel = *overrides.Log.Level
	}
	if overrides.SampleRate != nil {
		cfg.TraceSampleRate = *overrides.SampleRate
	}
}

func applyMillis(target *time.Duration, value *int64) {
	if target == nil || value == nil {
		return
	}
	*target = time.Duration(*value) * time.Millisecond
}

type flagOverrides struct {
	ConfigPath          *string
	ServerName          *string
	EnableHTTP          *bool
	HTTPListenAddr      *string
	EnableGRPC          *bool
	GRPCListenAddr      *string
	EnableAuth          *bool
	AdminToken          *string
	LogLevel            *string
	LimitLargeRoomJoins *bool
	ComplexityCeiling   *float64
	StoreBackend        *string
	RedisAddr           *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("synapse", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "config file path")
	serverName := fs.String("server_name", "", "federation server name")
	enableHTTP := fs.Bool("enable_http", false, "enable http")
	httpAddr := fs.String("http_addr", "", "http address")
	enableGRPC := fs.Bool("enable_grpc", false, "enable grpc")
	grpcAddr := fs.String("grpc_addr", "", "grpc address")
	enableAuth := fs.Bool("enable_auth", false, "enable auth")
	adminToken := fs.String("admin_token", "", "admin token")
	logLevel := fs.String("log_level", "", "log level")
	limitJoins := fs.Bool("limit_large_room_joins", false, "limit large room joins")
	ceiling := fs.Float64("complexity_ceiling", 0, "complexity ceiling")
	storeBackend := fs.String("store_backend", "", "room store backend")
	redisAddr := fs.String("redis_addr", "", "redis address")

	// flag.ErrHelp must reach the caller so main can print usage.
	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, err
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "server_name":
			overrides.ServerName = serverName
		case "enable_http":
			overrides.EnableHTTP = enableHTTP
		case "http_addr":
			overrides.HTTPListenAddr = httpAddr
		case "enable_grpc":
			overrides.EnableGRPC = enableGRPC
		case "grpc_addr":
			overrides.GRPCListenAddr = grpcAddr
		case "enable_auth":
			overrides.EnableAuth = enableAuth
		case "admin_token":
			overrides.AdminToken = adminToken
		case "log_level":
			overrides.LogLevel = logLevel
		case "limit_large_room_joins":
			overrides.LimitLargeRoomJoins = limitJoins
		case "complexity_ceiling":
			overrides.ComplexityCeiling = ceiling
		case "store_backend":
			overrides.StoreBackend = storeBackend
		case "redis_addr":
			overrides.RedisAddr = redisAddr
		}
	})
	return overrides, nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if cfg == nil {
		return
	}
	if overrides.ServerName != nil {
		cfg.ServerName = *overrides.ServerName
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.EnableGRPC != nil {
		cfg.EnableGRPC = *overrides.EnableGRPC
	}
	if overrides.GRPCListenAddr != nil {
		cfg.GRPCListenAddr = *overrides.GRPCListenAddr
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
	}
	if overrides.LimitLargeRoomJoins != nil {
		cfg.JoinPolicy.LimitLargeRoomJoins = *overrides.LimitLargeRoomJoins
	}
	if overrides.ComplexityCeiling != nil {
		cfg.JoinPolicy.ComplexityCeiling = *overrides.ComplexityCeiling
	}
	if overrides.StoreBackend != nil {
		cfg.RoomStoreBackend = *overrides.StoreBackend
	}
	if overrides.RedisAddr != nil {
		cfg.RedisAddr = *overrides.RedisAddr
	}
}

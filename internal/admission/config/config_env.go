// Package config provides environment config overrides.
package config

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

func applyEnvOverrides(cfg *Config, environ []string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	values := envMap(environ)

	if value, ok := values["SYNAPSE_SERVER_NAME"]; ok {
		cfg.ServerName = value
	}
	if value, ok := values["SYNAPSE_ENABLE_HTTP"]; ok {
		parsed, err := parseBoolEnv("SYNAPSE_ENABLE_HTTP", value)
		if err != nil {
			return err
		}
		cfg.EnableHTTP = parsed
	}
	if value, ok := values["SYNAPSE_HTTP_ADDR"]; ok {
		cfg.HTTPListenAddr = value
	}
	if value, ok := values["SYNAPSE_ENABLE_GRPC"]; ok {
		parsed, err := parseBoolEnv("SYNAPSE_ENABLE_GRPC", value)
		if err != nil {
			return err
		}
		cfg.EnableGRPC = parsed
	}
	if value, ok := values["SYNAPSE_GRPC_ADDR"]; ok {
		cfg.GRPCListenAddr = value
	}
	if value, ok := values["SYNAPSE_ENABLE_AUTH"]; ok {
		parsed, err := parseBoolEnv("SYNAPSE_ENABLE_AUTH", value)
		if err != nil {
			return err
		}
		cfg.EnableAuth = parsed
	}
	if value, ok := values["SYNAPSE_ADMIN_TOKEN"]; ok {
		cfg.AdminToken = value
	}
	if value, ok := values["SYNAPSE_LOG_LEVEL"]; ok {
		cfg.LogLevel = value
	}
	if value, ok := values["SYNAPSE_WINDOW_SIZE_MS"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_WINDOW_SIZE_MS", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.WindowSize = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := values["SYNAPSE_SLEEP_LIMIT"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_SLEEP_LIMIT", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.SleepLimit = int(parsed)
	}
	if value, ok := values["SYNAPSE_SLEEP_DELAY_MS"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_SLEEP_DELAY_MS", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.SleepDelay = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := values["SYNAPSE_REJECT_LIMIT"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_REJECT_LIMIT", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.RejectLimit = int(parsed)
	}
	if value, ok := values["SYNAPSE_CONCURRENT_REQUESTS"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_CONCURRENT_REQUESTS", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.ConcurrentRequests = int(parsed)
	}
	if value, ok := values["SYNAPSE_MAX_ORIGINS"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_MAX_ORIGINS", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.MaxOrigins = int(parsed)
	}
	if value, ok := values["SYNAPSE_LIMIT_LARGE_ROOM_JOINS"]; ok {
		parsed, err := parseBoolEnv("SYNAPSE_LIMIT_LARGE_ROOM_JOINS", value)
		if err != nil {
			return err
		}
		cfg.JoinPolicy.LimitLargeRoomJoins = parsed
	}
	if value, ok := values["SYNAPSE_COMPLEXITY_CEILING"]; ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.New("SYNAPSE_COMPLEXITY_CEILING must be a number")
		}
		cfg.JoinPolicy.ComplexityCeiling = parsed
	}
	if value, ok := values["SYNAPSE_STORE_BACKEND"]; ok {
		cfg.RoomStoreBackend = value
	}
	if value, ok := values["SYNAPSE_REDIS_ADDR"]; ok {
		cfg.RedisAddr = value
	}
	if value, ok := values["SYNAPSE_REDIS_PASSWORD"]; ok {
		cfg.RedisPassword = value
	}
	if value, ok := values["SYNAPSE_REDIS_DB"]; ok {
		parsed, err := parseIntEnv("SYNAPSE_REDIS_DB", value)
		if err != nil {
			return err
		}
		cfg.RedisDB = int(parsed)
	}
	return nil
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string, len(environ))
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			continue
		}
		values[key] = value
	}
	return values
}

func parseBoolEnv(name string, value string) (bool, error) {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return parsed, nil
}

func parseIntEnv(name string, value string) (int64, error) {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return parsed, nil
}

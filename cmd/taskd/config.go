package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskdeck/executor"
)

const (
	authNone   = "none"
	authHS256  = "hs256"
	authJWKS   = "jwks"
	defaultTTL = 24 * time.Hour
)

type config struct {
	ListenAddr string
	Debug      bool

	StorageConn     string
	TasksTable      string
	ExecutionsQueue string

	RedisConn  string
	CacheTTL   time.Duration
	DeduperTTL time.Duration

	AuthMode     string
	SharedSecret string
	JWKSURL      string
	Audience     string
	Issuer       string

	ExecTimeout time.Duration
	ExecRate    float64
	ExecBurst   int

	TraceSampleRatio float64
}

// loadConfig reads the backend settings from the environment. Malformed values
// are errors.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		ListenAddr:      ":8080",
		StorageConn:     getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:      getenv("TASKS_TABLE"),
		ExecutionsQueue: getenv("EXECUTIONS_QUEUE"),
		RedisConn:       getenv("REDIS_CONNECTION_STRING"),
		CacheTTL:        time.Minute,
		DeduperTTL:      defaultTTL,
		AuthMode:        authNone,
		SharedSecret:    getenv("AUTH_SHARED_SECRET"),
		JWKSURL:         getenv("AUTH_JWKS_URL"),
		Audience:        getenv("AUTH_AUDIENCE"),
		Issuer:          getenv("AUTH_ISSUER"),
		ExecTimeout:     executor.DefaultTimeout,
		ExecRate:        5,
		ExecBurst:       10,

		TraceSampleRatio: 1,
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DEBUG: %w", err)
		}
		cfg.Debug = dbg
	}
	if v := getenv("AUTH_MODE"); v != "" {
		cfg.AuthMode = strings.ToLower(v)
	}

	var err error
	if cfg.CacheTTL, err = durationVar(getenv, "CACHE_TTL", cfg.CacheTTL, true); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = durationVar(getenv, "DEDUPER_TTL", cfg.DeduperTTL, false); err != nil {
		return cfg, err
	}
	if cfg.ExecTimeout, err = durationVar(getenv, "EXEC_TIMEOUT", cfg.ExecTimeout, false); err != nil {
		return cfg, err
	}
	if v := getenv("EXEC_RATE"); v != "" {
		if cfg.ExecRate, err = strconv.ParseFloat(v, 64); err != nil || cfg.ExecRate < 0 {
			return cfg, fmt.Errorf("invalid EXEC_RATE: %q", v)
		}
	}
	if v := getenv("EXEC_BURST"); v != "" {
		if cfg.ExecBurst, err = strconv.Atoi(v); err != nil || cfg.ExecBurst <= 0 {
			return cfg, fmt.Errorf("invalid EXEC_BURST: %q", v)
		}
	}
	if v := getenv("TRACE_SAMPLE_RATIO"); v != "" {
		if cfg.TraceSampleRatio, err = strconv.ParseFloat(v, 64); err != nil || cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
			return cfg, fmt.Errorf("invalid TRACE_SAMPLE_RATIO: %q", v)
		}
	}

	if (cfg.StorageConn == "") != (cfg.TasksTable == "") {
		return cfg, errors.New("STORAGE_CONNECTION_STRING and TASKS_TABLE must be set together")
	}
	if cfg.ExecutionsQueue != "" && cfg.StorageConn == "" {
		return cfg, errors.New("EXECUTIONS_QUEUE requires table storage")
	}

	switch cfg.AuthMode {
	case authNone:
	case authHS256:
		if cfg.SharedSecret == "" {
			return cfg, errors.New("AUTH_SHARED_SECRET is required for hs256 auth")
		}
	case authJWKS:
		if cfg.JWKSURL == "" {
			return cfg, errors.New("AUTH_JWKS_URL is required for jwks auth")
		}
	default:
		return cfg, fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}
	return cfg, nil
}

func durationVar(getenv func(string) string, key string, fallback time.Duration, allowZero bool) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

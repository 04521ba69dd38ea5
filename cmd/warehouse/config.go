package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
)

// runOptions are the controller settings shared by every subcommand.
type runOptions struct {
	Workers            int
	IOTimeout          time.Duration
	RejectionThreshold float64
	ReferentialCap     int
	RateLimitRPS       float64
	LogLevel           string
	LogFormat          string
	PlanPath           string
	AsOf               string
	HistoryStore       string
}

func loadRunOptionsFromEnv() (runOptions, error) {
	workers, err := envInt("WORKERS", 4)
	if err != nil {
		return runOptions{}, err
	}
	ioTimeout, err := envDuration("IO_TIMEOUT", 2*time.Minute)
	if err != nil {
		return runOptions{}, err
	}
	threshold, err := envFloat("REJECTION_THRESHOLD", 0.05)
	if err != nil {
		return runOptions{}, err
	}
	refCap, err := envInt("REFERENTIAL_CAP", -1)
	if err != nil {
		return runOptions{}, err
	}
	rps, err := envFloat("RATE_LIMIT_RPS", 0)
	if err != nil {
		return runOptions{}, err
	}
	return runOptions{
		Workers:            workers,
		IOTimeout:          ioTimeout,
		RejectionThreshold: threshold,
		ReferentialCap:     refCap,
		RateLimitRPS:       rps,
		LogLevel:           envString("LOG_LEVEL", "info"),
		LogFormat:          envString("LOG_FORMAT", "text"),
		PlanPath:           envString("PLAN_PATH", ""),
		AsOf:               envString("AS_OF", ""),
		HistoryStore:       envString("HISTORY_STORE", "storage"),
	}, nil
}

func (o *runOptions) register(fs *flag.FlagSet) {
	fs.IntVar(&o.Workers, "workers", o.Workers, "Concurrent entity workers per layer run (env: WORKERS)")
	fs.DurationVar(&o.IOTimeout, "io-timeout", o.IOTimeout, "Per storage call timeout, 0 disables (env: IO_TIMEOUT)")
	fs.Float64Var(&o.RejectionThreshold, "rejection-threshold", o.RejectionThreshold, "Tolerated rejected/total ratio per entity, <= 0 disables (env: REJECTION_THRESHOLD)")
	fs.IntVar(&o.ReferentialCap, "referential-cap", o.ReferentialCap, "Tolerated unresolved references per fact table, < 0 disables (env: REFERENTIAL_CAP)")
	fs.Float64Var(&o.RateLimitRPS, "rate-limit-rps", o.RateLimitRPS, "Storage call rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug|info|warn|error (env: LOG_LEVEL)")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "text|json (env: LOG_FORMAT)")
	fs.StringVar(&o.PlanPath, "plan", o.PlanPath, "Pipeline plan YAML; defaults to the built-in CMS plan (env: PLAN_PATH)")
	fs.StringVar(&o.AsOf, "as-of", o.AsOf, "Run clock as RFC3339 or YYYY-MM-DD, for backfills (env: AS_OF)")
	fs.StringVar(&o.HistoryStore, "history-store", o.HistoryStore, "Where dimension history lives: storage|postgres (env: HISTORY_STORE)")
}

func (o runOptions) controllerConfig() (controller.Config, error) {
	cfg := controller.Config{
		Workers:            o.Workers,
		IOTimeout:          o.IOTimeout,
		RejectionThreshold: o.RejectionThreshold,
		ReferentialCap:     o.ReferentialCap,
		RateLimitRPS:       o.RateLimitRPS,
	}
	if o.AsOf != "" {
		at, err := parseAsOf(o.AsOf)
		if err != nil {
			return controller.Config{}, err
		}
		cfg.Now = func() time.Time { return at }
	}
	switch o.HistoryStore {
	case "storage", "postgres":
	default:
		return controller.Config{}, fmt.Errorf("invalid history store %q (expected storage|postgres)", o.HistoryStore)
	}
	return cfg, nil
}

func parseAsOf(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid as-of %q (expected RFC3339 or YYYY-MM-DD)", v)
	}
	return t.UTC(), nil
}

// sinkConfig holds the optional integrations, each enabled by its env var.
type sinkConfig struct {
	DatabaseURL      string
	DatabaseSchema   string
	DatabaseMaxConns int
	RedisURL         string
	LockWait         time.Duration
	PubSubProjectID  string
	PubSubTopic      string
	PubSubCreds      string
	PubSubFailures   bool
}

func loadSinkConfigFromEnv(pubsubProject string) (sinkConfig, error) {
	maxConns, err := envInt("DATABASE_MAX_CONNS", 4)
	if err != nil {
		return sinkConfig{}, err
	}
	lockWait, err := envDuration("LOCK_WAIT", 0)
	if err != nil {
		return sinkConfig{}, err
	}
	failuresOnly, err := envBool("PUBSUB_FAILURES_ONLY")
	if err != nil {
		return sinkConfig{}, err
	}
	return sinkConfig{
		DatabaseURL:      envString("DATABASE_URL", ""),
		DatabaseSchema:   envString("DATABASE_SCHEMA", "warehouse"),
		DatabaseMaxConns: maxConns,
		RedisURL:         envString("REDIS_URL", ""),
		LockWait:         lockWait,
		PubSubProjectID:  pubsubProject,
		PubSubTopic:      envString("PUBSUB_TOPIC", ""),
		PubSubCreds:      envString("PUBSUB_CREDENTIALS_JSON", ""),
		PubSubFailures:   failuresOnly,
	}, nil
}

func envString(varName, fallback string) string {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

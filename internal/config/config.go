// Package config loads environment-driven runtime configuration with the
// defaults specified for the job-orchestration subsystem.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables read from the environment at startup.
type Config struct {
	HeartbeatTTL      time.Duration
	TRecovery         time.Duration
	TRetry            time.Duration
	TSimStale         time.Duration
	MaxRetries        int
	SimMax            int
	ParMax            int
	GamesPerContainer int
	WorkerSharedSecret string
}

// Load reads configuration from the environment, applying the spec's
// defaults where a variable is unset.
func Load() (Config, error) {
	c := Config{
		HeartbeatTTL:      45 * time.Second,
		TRecovery:         600 * time.Second,
		TRetry:            300 * time.Second,
		TSimStale:         1800 * time.Second,
		MaxRetries:        3,
		SimMax:            100,
		ParMax:            16,
		GamesPerContainer: 4,
	}

	var err error
	if c.HeartbeatTTL, err = durationEnv("HEARTBEAT_TTL_SEC", c.HeartbeatTTL); err != nil {
		return c, err
	}
	if c.TRecovery, err = durationEnv("T_RECOVERY_SEC", c.TRecovery); err != nil {
		return c, err
	}
	if c.TRetry, err = durationEnv("T_RETRY_SEC", c.TRetry); err != nil {
		return c, err
	}
	if c.TSimStale, err = durationEnv("T_SIM_STALE_SEC", c.TSimStale); err != nil {
		return c, err
	}
	if c.MaxRetries, err = intEnv("MAX_RETRIES", c.MaxRetries); err != nil {
		return c, err
	}
	if c.SimMax, err = intEnv("SIM_MAX", c.SimMax); err != nil {
		return c, err
	}
	if c.ParMax, err = intEnv("PAR_MAX", c.ParMax); err != nil {
		return c, err
	}
	if c.GamesPerContainer, err = intEnv("GAMES_PER_CONTAINER", c.GamesPerContainer); err != nil {
		return c, err
	}

	c.WorkerSharedSecret = os.Getenv("WORKER_SHARED_SECRET")
	if c.WorkerSharedSecret == "" {
		return c, fmt.Errorf("WORKER_SHARED_SECRET is required")
	}

	return c, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

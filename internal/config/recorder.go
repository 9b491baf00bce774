package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RecorderConfig holds the tracer process's own environment-driven settings
// (as opposed to TrackerConfig, which describes *what* to watch and is
// loaded from a separate YAML file).
type RecorderConfig struct {
	TrackerConfigPath string // CLUSTERSIM_TRACKER_CONFIG
	HealthPort        int    // CLUSTERSIM_HEALTH_PORT, default 8080
	ExportPort        int    // CLUSTERSIM_EXPORT_PORT, default 9090

	InformerResyncPeriod time.Duration // CLUSTERSIM_INFORMER_RESYNC, default 5m
	SyncTimeout          time.Duration // CLUSTERSIM_SYNC_TIMEOUT, default 2m

	// MaxQueueDepth bounds the watch fabric's in-memory event queue: beyond
	// this the fabric drops-with-log rather than blocking on a stalled
	// store writer.
	MaxQueueDepth int // CLUSTERSIM_MAX_QUEUE_DEPTH, default 4096

	// OwnershipRetryLimit bounds retries for an ownership lookup that fails
	// because the referenced object isn't cached yet.
	OwnershipRetryLimit int           // CLUSTERSIM_OWNERSHIP_RETRY_LIMIT, default 5
	OwnershipRetryBase  time.Duration // CLUSTERSIM_OWNERSHIP_RETRY_BASE, default 250ms

	DebugEndpoints bool // CLUSTERSIM_DEBUG_ENDPOINTS, default false
}

// LoadRecorderConfig reads RecorderConfig from the environment, applying
// defaults for anything unset.
func LoadRecorderConfig() RecorderConfig {
	return RecorderConfig{
		TrackerConfigPath:    envOrDefault("CLUSTERSIM_TRACKER_CONFIG", "/etc/clustersim/tracker-config.yaml"),
		HealthPort:           parseInt("CLUSTERSIM_HEALTH_PORT", 8080),
		ExportPort:           parseInt("CLUSTERSIM_EXPORT_PORT", 9090),
		InformerResyncPeriod: parseDuration("CLUSTERSIM_INFORMER_RESYNC", 5*time.Minute),
		SyncTimeout:          parseDuration("CLUSTERSIM_SYNC_TIMEOUT", 2*time.Minute),
		MaxQueueDepth:        parseInt("CLUSTERSIM_MAX_QUEUE_DEPTH", 4096),
		OwnershipRetryLimit:  parseInt("CLUSTERSIM_OWNERSHIP_RETRY_LIMIT", 5),
		OwnershipRetryBase:   parseDuration("CLUSTERSIM_OWNERSHIP_RETRY_BASE", 250*time.Millisecond),
		DebugEndpoints:       parseBool("CLUSTERSIM_DEBUG_ENDPOINTS", false),
	}
}

// Validate checks that RecorderConfig contains usable values.
func (c RecorderConfig) Validate() error {
	if c.TrackerConfigPath == "" {
		return fmt.Errorf("config: CLUSTERSIM_TRACKER_CONFIG is required")
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: CLUSTERSIM_HEALTH_PORT must be 1-65535, got %d", c.HealthPort)
	}
	if c.ExportPort < 1 || c.ExportPort > 65535 {
		return fmt.Errorf("config: CLUSTERSIM_EXPORT_PORT must be 1-65535, got %d", c.ExportPort)
	}
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("config: CLUSTERSIM_MAX_QUEUE_DEPTH must be >= 1, got %d", c.MaxQueueDepth)
	}
	if c.OwnershipRetryLimit < 0 {
		return fmt.Errorf("config: CLUSTERSIM_OWNERSHIP_RETRY_LIMIT must be >= 0, got %d", c.OwnershipRetryLimit)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

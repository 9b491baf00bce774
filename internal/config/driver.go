package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DriverConfig holds the simulation driver's invocation parameters,
// normally passed down by the external CRD controller via environment
// variables on the driver's pod spec.
type DriverConfig struct {
	SimulationName     string // CLUSTERSIM_SIMULATION_NAME
	SimulationRootName string // CLUSTERSIM_SIMULATION_ROOT_NAME
	VirtualNSPrefix    string // CLUSTERSIM_VIRTUAL_NS_PREFIX, default "virt"

	AdmissionPort int    // CLUSTERSIM_ADMISSION_PORT, default 8443
	TLSCertPath   string // CLUSTERSIM_TLS_CERT_PATH
	TLSKeyPath    string // CLUSTERSIM_TLS_KEY_PATH

	HealthPort int // CLUSTERSIM_HEALTH_PORT, default 8080

	TraceURI string // CLUSTERSIM_TRACE_URI: file://, s3://, gs://, azure://

	SpeedFactor float64        // CLUSTERSIM_SPEED_FACTOR, default 1.0
	Duration    *time.Duration // CLUSTERSIM_DURATION, optional
	Repetitions int            // CLUSTERSIM_REPETITIONS, default 1

	DrainTimeout time.Duration // CLUSTERSIM_DRAIN_TIMEOUT, default 5m
}

// LoadDriverConfig reads DriverConfig from the environment.
func LoadDriverConfig() (DriverConfig, error) {
	cfg := DriverConfig{
		SimulationName:     envOrDefault("CLUSTERSIM_SIMULATION_NAME", ""),
		SimulationRootName: envOrDefault("CLUSTERSIM_SIMULATION_ROOT_NAME", ""),
		VirtualNSPrefix:    envOrDefault("CLUSTERSIM_VIRTUAL_NS_PREFIX", "virt"),
		AdmissionPort:      parseInt("CLUSTERSIM_ADMISSION_PORT", 8443),
		TLSCertPath:        envOrDefault("CLUSTERSIM_TLS_CERT_PATH", ""),
		TLSKeyPath:         envOrDefault("CLUSTERSIM_TLS_KEY_PATH", ""),
		HealthPort:         parseInt("CLUSTERSIM_HEALTH_PORT", 8080),
		TraceURI:           envOrDefault("CLUSTERSIM_TRACE_URI", ""),
		SpeedFactor:        parseFloat("CLUSTERSIM_SPEED_FACTOR", 1.0),
		Repetitions:        parseInt("CLUSTERSIM_REPETITIONS", 1),
		DrainTimeout:       parseDuration("CLUSTERSIM_DRAIN_TIMEOUT", 5*time.Minute),
	}

	if raw := strings.TrimSpace(envOrDefault("CLUSTERSIM_DURATION", "")); raw != "" {
		d := parseDuration("CLUSTERSIM_DURATION", 0)
		cfg.Duration = &d
	}

	// The controller normally names the root; a driver launched by hand gets
	// a collision-free one derived from the simulation identity.
	if cfg.SimulationRootName == "" && cfg.SimulationName != "" {
		cfg.SimulationRootName = fmt.Sprintf("%s-root-%s", cfg.SimulationName, uuid.NewString()[:8])
	}

	return cfg, cfg.Validate()
}

// Validate checks that DriverConfig contains usable values: a positive
// speed factor, at least one repetition, and a complete TLS pair.
func (c DriverConfig) Validate() error {
	if c.SimulationName == "" {
		return fmt.Errorf("config: CLUSTERSIM_SIMULATION_NAME is required")
	}
	if c.SimulationRootName == "" {
		return fmt.Errorf("config: CLUSTERSIM_SIMULATION_ROOT_NAME is required")
	}
	if c.TraceURI == "" {
		return fmt.Errorf("config: CLUSTERSIM_TRACE_URI is required")
	}
	if !hasKnownScheme(c.TraceURI) {
		return fmt.Errorf("config: CLUSTERSIM_TRACE_URI has unsupported scheme: %q", c.TraceURI)
	}
	if c.SpeedFactor <= 0 {
		return fmt.Errorf("config: CLUSTERSIM_SPEED_FACTOR must be > 0, got %v", c.SpeedFactor)
	}
	if c.Repetitions < 1 {
		return fmt.Errorf("config: CLUSTERSIM_REPETITIONS must be >= 1, got %d", c.Repetitions)
	}
	if c.AdmissionPort < 1 || c.AdmissionPort > 65535 {
		return fmt.Errorf("config: CLUSTERSIM_ADMISSION_PORT must be 1-65535, got %d", c.AdmissionPort)
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("config: CLUSTERSIM_TLS_CERT_PATH and CLUSTERSIM_TLS_KEY_PATH must both be set or both empty")
	}
	return nil
}

func hasKnownScheme(uri string) bool {
	for _, scheme := range []string{"file://", "s3://", "gs://", "azure://"} {
		if strings.HasPrefix(uri, scheme) {
			return true
		}
	}
	return false
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

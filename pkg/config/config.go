// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds the engine's runtime settings. Owned by the engine root and
// passed through constructors — never a package-level singleton.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// FinancialLimit is the amount above which financial events escalate to
	// a human regardless of confidence.
	FinancialLimit float64

	// ConfidenceThreshold is the oversight threshold: events below it
	// escalate. Agents may declare stricter mandate thresholds of their own.
	ConfidenceThreshold float64

	// AutoApprovalEnabled short-circuits oversight escalation for
	// non-financial events. Off by default.
	AutoApprovalEnabled bool

	// SOPDir is the directory holding declarative SOP YAML definitions.
	SOPDir string

	// ApprovalTimeout is the deadline applied to new approvals.
	ApprovalTimeout time.Duration

	// SweepInterval is how often the background sweeper scans for timed-out
	// approvals and SOP step deadlines.
	SweepInterval time.Duration

	// GracefulShutdownTimeout bounds how long shutdown waits for in-flight
	// handlers.
	GracefulShutdownTimeout time.Duration

	// CEO interrupt thresholds for the interrupts endpoint.
	InterruptConfidenceBelow float64
	InterruptAmountAbove     float64
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                     getEnv("PORT", "3000"),
		SOPDir:                   getEnv("SOP_DIR", "./deploy/sops"),
		ApprovalTimeout:          24 * time.Hour,
		SweepInterval:            time.Minute,
		GracefulShutdownTimeout:  30 * time.Second,
		InterruptConfidenceBelow: 0.7,
		InterruptAmountAbove:     100000,
	}

	limit, err := parseFloat("FINANCIAL_LIMIT", "10000")
	if err != nil {
		return nil, err
	}
	cfg.FinancialLimit = limit

	threshold, err := parseFloat("CONFIDENCE_THRESHOLD", "0.75")
	if err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", threshold)
	}
	cfg.ConfidenceThreshold = threshold

	autoApproval, err := parseBool("AUTO_APPROVAL_ENABLED", "false")
	if err != nil {
		return nil, err
	}
	cfg.AutoApprovalEnabled = autoApproval

	if v := os.Getenv("APPROVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid APPROVAL_TIMEOUT: %w", err)
		}
		cfg.ApprovalTimeout = d
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	slog.Info("Configuration loaded",
		"port", cfg.Port,
		"financial_limit", cfg.FinancialLimit,
		"confidence_threshold", cfg.ConfidenceThreshold,
		"auto_approval_enabled", cfg.AutoApprovalEnabled,
		"sop_dir", cfg.SOPDir)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseFloat(key, defaultValue string) (float64, error) {
	v, err := strconv.ParseFloat(getEnv(key, defaultValue), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseBool(key, defaultValue string) (bool, error) {
	v, err := strconv.ParseBool(getEnv(key, defaultValue))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

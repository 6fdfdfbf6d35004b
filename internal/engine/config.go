package engine

import (
	"os"
	"strconv"
	"time"
)

// Config holds the recognized tuning options. Every option has a safe
// default so the engine runs with an empty environment.
type Config struct {
	// EscalationTimeout is how long a directed delivery may sit
	// unacknowledged before the next caregiver is promoted.
	EscalationTimeout time.Duration

	// DigestFlushInterval caps how often a family's Standard/Low digest
	// is flushed.
	DigestFlushInterval time.Duration

	// StaleCaregiverTTL invalidates CoordinationState that has seen no
	// activity signal, forcing re-election on the next event.
	StaleCaregiverTTL time.Duration

	// DuplicateCoalesceWindow merges requests for the same underlying
	// event (family, child, category) into a single decision.
	DuplicateCoalesceWindow time.Duration

	// EmergencySeverityThreshold is the severity hint at or above which
	// medical/safety categories classify as Emergency.
	EmergencySeverityThreshold float64

	// MaxDispatchAttempts bounds transient-failure retries per target.
	MaxDispatchAttempts int

	// IngestIdempotencyBucket is the createdAt rounding used for the
	// ingest idempotency key, tolerating at-least-once upstream delivery.
	IngestIdempotencyBucket time.Duration

	// StateRetryInterval is how long a non-emergency request is held
	// before re-resolution when the coordination store is unavailable.
	StateRetryInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills zero values in place.
func (c Config) withDefaults() Config {
	if c.EscalationTimeout == 0 {
		c.EscalationTimeout = 5 * time.Minute
	}
	if c.DigestFlushInterval == 0 {
		c.DigestFlushInterval = 30 * time.Minute
	}
	if c.StaleCaregiverTTL == 0 {
		c.StaleCaregiverTTL = 2 * time.Hour
	}
	if c.DuplicateCoalesceWindow == 0 {
		c.DuplicateCoalesceWindow = 30 * time.Second
	}
	if c.EmergencySeverityThreshold == 0 {
		c.EmergencySeverityThreshold = 0.8
	}
	if c.MaxDispatchAttempts == 0 {
		c.MaxDispatchAttempts = 5
	}
	if c.IngestIdempotencyBucket == 0 {
		c.IngestIdempotencyBucket = 10 * time.Second
	}
	if c.StateRetryInterval == 0 {
		c.StateRetryInterval = time.Minute
	}
	return c
}

// ConfigFromEnv reads the recognized options from the environment,
// falling back to defaults for anything unset or malformed.
func ConfigFromEnv() Config {
	c := Config{
		EscalationTimeout:          envSeconds("ESCALATION_TIMEOUT_SECONDS"),
		DigestFlushInterval:        envSeconds("DIGEST_FLUSH_INTERVAL_SECONDS"),
		StaleCaregiverTTL:          envSeconds("STALE_CAREGIVER_TTL_SECONDS"),
		DuplicateCoalesceWindow:    envSeconds("DUPLICATE_COALESCE_WINDOW_SECONDS"),
		EmergencySeverityThreshold: envFloat("EMERGENCY_SEVERITY_THRESHOLD"),
		MaxDispatchAttempts:        envInt("MAX_DISPATCH_ATTEMPTS"),
	}
	return c.withDefaults()
}

func envSeconds(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return f
}

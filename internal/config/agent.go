package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// UploadMode selects how the agent delivers parsed events to the controller.
type UploadMode string

const (
	// UploadModeBatch coalesces events into batches by size or interval.
	UploadModeBatch UploadMode = "batch"
	// UploadModeStream posts each event immediately as a single-entry report.
	UploadModeStream UploadMode = "stream"
)

// IsValid reports whether the upload mode is one of the known modes.
func (m UploadMode) IsValid() bool {
	return m == UploadModeBatch || m == UploadModeStream
}

// AgentConfig holds all environment-variable-driven node agent settings.
type AgentConfig struct {
	NodeName string
	StateDir string

	// Tailer
	LogPath          string
	PollInterval     time.Duration
	SubscriberPrefix string

	// Uploader
	ServerURL     string
	UploadMode    UploadMode
	QueueSize     int
	BatchSize     int
	BatchInterval time.Duration
	UploadTimeout time.Duration

	// Control API
	APIPort int
	Secret  string
}

// LoadAgentConfig reads environment variables and returns a validated
// AgentConfig. Returns an error listing every invalid or missing value.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	var errs []string

	cfg.NodeName = strings.TrimSpace(envStr("TETHER_AGENT_NODE_NAME", ""))
	cfg.StateDir = envStr("TETHER_AGENT_STATE_DIR", "/var/lib/tether-agent")

	cfg.LogPath = envStr("TETHER_AGENT_LOG_PATH", "/var/log/xray/access.log")
	cfg.PollInterval = envDuration("TETHER_AGENT_POLL_INTERVAL", 100*time.Millisecond, &errs)
	cfg.SubscriberPrefix = envStr("TETHER_AGENT_SUBSCRIBER_PREFIX", "user_")

	cfg.ServerURL = strings.TrimRight(envStr("TETHER_AGENT_SERVER_URL", ""), "/")
	cfg.UploadMode = UploadMode(envStr("TETHER_AGENT_UPLOAD_MODE", string(UploadModeBatch)))
	cfg.QueueSize = envInt("TETHER_AGENT_QUEUE_SIZE", 4096, &errs)
	cfg.BatchSize = envInt("TETHER_AGENT_BATCH_SIZE", 500, &errs)
	cfg.BatchInterval = envDuration("TETHER_AGENT_BATCH_INTERVAL", 5*time.Second, &errs)
	cfg.UploadTimeout = envDuration("TETHER_AGENT_UPLOAD_TIMEOUT", 2*time.Second, &errs)

	cfg.APIPort = envInt("TETHER_AGENT_API_PORT", 5001, &errs)
	secret, hasSecret := os.LookupEnv("TETHER_AGENT_SECRET")
	cfg.Secret = secret

	// --- Validation ---
	if cfg.NodeName == "" {
		errs = append(errs, "TETHER_AGENT_NODE_NAME must be defined")
	}
	if cfg.ServerURL == "" {
		errs = append(errs, "TETHER_AGENT_SERVER_URL must be defined")
	}
	if cfg.LogPath == "" {
		errs = append(errs, "TETHER_AGENT_LOG_PATH must not be empty")
	}
	if !cfg.UploadMode.IsValid() {
		errs = append(errs, fmt.Sprintf("TETHER_AGENT_UPLOAD_MODE: invalid value %q (allowed: %s, %s)",
			cfg.UploadMode, UploadModeBatch, UploadModeStream))
	}
	validatePositiveDuration("TETHER_AGENT_POLL_INTERVAL", cfg.PollInterval, &errs)
	if cfg.PollInterval > 100*time.Millisecond*20 {
		errs = append(errs, "TETHER_AGENT_POLL_INTERVAL must be at most 2s")
	}
	validatePositive("TETHER_AGENT_QUEUE_SIZE", cfg.QueueSize, &errs)
	validatePositive("TETHER_AGENT_BATCH_SIZE", cfg.BatchSize, &errs)
	if cfg.QueueSize < 2*cfg.BatchSize {
		errs = append(errs, "TETHER_AGENT_QUEUE_SIZE must be at least 2x TETHER_AGENT_BATCH_SIZE")
	}
	validatePositiveDuration("TETHER_AGENT_BATCH_INTERVAL", cfg.BatchInterval, &errs)
	validatePositiveDuration("TETHER_AGENT_UPLOAD_TIMEOUT", cfg.UploadTimeout, &errs)
	validatePort("TETHER_AGENT_API_PORT", cfg.APIPort, &errs)
	if !hasSecret || cfg.Secret == "" {
		errs = append(errs, "TETHER_AGENT_SECRET must be defined and non-empty")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("agent config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

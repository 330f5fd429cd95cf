// Package config handles environment-based configuration loading for the
// controller and the node agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tetherguard/tether/internal/model"
)

// Policy selects the sharing-decision rule applied by the violation detector.
type Policy string

const (
	// PolicyStrict flags any subscriber whose distinct-IP count exceeds the limit.
	PolicyStrict Policy = "strict"
	// PolicySmart tolerates single-device IP hand-over and requires spatial
	// dispersion or multi-node simultaneity.
	PolicySmart Policy = "smart"
)

// IsValid reports whether the policy value is one of the known policies.
func (p Policy) IsValid() bool {
	return p == PolicyStrict || p == PolicySmart
}

// EnvConfig holds all environment-variable-driven controller settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress  string
	IngestPort     int
	AdminPort      int
	IngestMaxConns int
	MaxBodyBytes   int

	// Windows and cadences
	IPWindow           time.Duration
	ConcurrentWindow   time.Duration
	DropDuration       time.Duration
	DisableDuration    time.Duration
	DropCooldown       time.Duration
	ScanInterval       time.Duration
	PruneInterval      time.Duration
	ReEnableTick       time.Duration
	NodeHealthInterval time.Duration
	CompactSchedule    string

	// Decision policy
	Policy           Policy
	DropAllIPs       bool
	SubscriberPrefix string

	// Subscription API
	SubscriptionAPIURL   string
	SubscriptionAPIToken string
	LimitCacheTTL        time.Duration
	LimitCacheSize       int
	APITimeout           time.Duration

	// Enforcement
	EvalWorkers  int
	EnforceLanes int

	// Node control
	NodeSecret      string
	Nodes           []model.NodeDescriptor
	NodeControlPort int
	NodeTimeout     time.Duration

	// Admin
	AdminPassword string

	// Optional collaborators
	TelegramBotToken string
	TelegramChatID   string
	GeoIPDBPath      string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("TETHER_STATE_DIR", "/var/lib/tether")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("TETHER_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.IngestPort = envInt("TETHER_INGEST_PORT", 5000, &errs)
	cfg.AdminPort = envInt("TETHER_ADMIN_PORT", 8080, &errs)
	cfg.IngestMaxConns = envInt("TETHER_INGEST_MAX_CONNS", 256, &errs)
	cfg.MaxBodyBytes = envInt("TETHER_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Windows and cadences ---
	cfg.IPWindow = envDuration("TETHER_IP_WINDOW", 60*time.Second, &errs)
	cfg.ConcurrentWindow = envDuration("TETHER_CONCURRENT_WINDOW", 30*time.Second, &errs)
	cfg.DropDuration = envDuration("TETHER_DROP_DURATION", 60*time.Second, &errs)
	cfg.DisableDuration = envDuration("TETHER_DISABLE_DURATION", 10*time.Minute, &errs)
	cfg.DropCooldown = envDuration("TETHER_DROP_COOLDOWN", 60*time.Second, &errs)
	cfg.ScanInterval = envDuration("TETHER_SCAN_INTERVAL", 10*time.Second, &errs)
	cfg.PruneInterval = envDuration("TETHER_PRUNE_INTERVAL", 60*time.Second, &errs)
	cfg.ReEnableTick = envDuration("TETHER_RE_ENABLE_TICK", 15*time.Second, &errs)
	cfg.NodeHealthInterval = envDuration("TETHER_NODE_HEALTH_INTERVAL", 30*time.Second, &errs)
	cfg.CompactSchedule = envStr("TETHER_COMPACT_SCHEDULE", "30 4 * * *")

	// --- Decision policy ---
	cfg.Policy = Policy(envStr("TETHER_POLICY", string(PolicySmart)))
	cfg.DropAllIPs = envBool("TETHER_DROP_ALL_IPS", true, &errs)
	cfg.SubscriberPrefix = envStr("TETHER_SUBSCRIBER_PREFIX", "user_")

	// --- Subscription API ---
	cfg.SubscriptionAPIURL = strings.TrimRight(envStr("TETHER_SUBSCRIPTION_API_URL", ""), "/")
	cfg.SubscriptionAPIToken = envStr("TETHER_SUBSCRIPTION_API_TOKEN", "")
	cfg.LimitCacheTTL = envDuration("TETHER_LIMIT_CACHE_TTL", 5*time.Minute, &errs)
	cfg.LimitCacheSize = envInt("TETHER_LIMIT_CACHE_SIZE", 10000, &errs)
	cfg.APITimeout = envDuration("TETHER_API_TIMEOUT", 5*time.Second, &errs)

	// --- Enforcement ---
	cfg.EvalWorkers = envInt("TETHER_EVAL_WORKERS", 16, &errs)
	cfg.EnforceLanes = envInt("TETHER_ENFORCE_LANES", 16, &errs)

	// --- Node control ---
	nodeSecret, hasNodeSecret := os.LookupEnv("TETHER_NODE_SECRET")
	cfg.NodeSecret = nodeSecret
	cfg.NodeControlPort = envInt("TETHER_NODE_CONTROL_PORT", 5001, &errs)
	cfg.NodeTimeout = envDuration("TETHER_NODE_TIMEOUT", 3*time.Second, &errs)
	nodes, nodeErrs := ParseNodeList(envStr("TETHER_NODES", ""), cfg.NodeControlPort)
	cfg.Nodes = nodes
	errs = append(errs, nodeErrs...)

	// --- Admin ---
	cfg.AdminPassword = envStr("TETHER_ADMIN_PASSWORD", "")

	// --- Optional collaborators ---
	cfg.TelegramBotToken = envStr("TETHER_TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = envStr("TETHER_TELEGRAM_CHAT_ID", "")
	cfg.GeoIPDBPath = envStr("TETHER_GEOIP_DB", "")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "TETHER_LISTEN_ADDRESS must not be empty")
	}
	validatePort("TETHER_INGEST_PORT", cfg.IngestPort, &errs)
	validatePort("TETHER_ADMIN_PORT", cfg.AdminPort, &errs)
	validatePort("TETHER_NODE_CONTROL_PORT", cfg.NodeControlPort, &errs)
	if cfg.IngestPort == cfg.AdminPort {
		errs = append(errs, "TETHER_INGEST_PORT and TETHER_ADMIN_PORT must differ")
	}
	validatePositive("TETHER_INGEST_MAX_CONNS", cfg.IngestMaxConns, &errs)
	validatePositive("TETHER_API_MAX_BODY_BYTES", cfg.MaxBodyBytes, &errs)
	validatePositiveDuration("TETHER_IP_WINDOW", cfg.IPWindow, &errs)
	validatePositiveDuration("TETHER_CONCURRENT_WINDOW", cfg.ConcurrentWindow, &errs)
	if cfg.ConcurrentWindow > cfg.IPWindow {
		errs = append(errs, "TETHER_CONCURRENT_WINDOW must not exceed TETHER_IP_WINDOW")
	}
	validatePositiveDuration("TETHER_DROP_DURATION", cfg.DropDuration, &errs)
	validatePositiveDuration("TETHER_DISABLE_DURATION", cfg.DisableDuration, &errs)
	validatePositiveDuration("TETHER_DROP_COOLDOWN", cfg.DropCooldown, &errs)
	validatePositiveDuration("TETHER_SCAN_INTERVAL", cfg.ScanInterval, &errs)
	validatePositiveDuration("TETHER_PRUNE_INTERVAL", cfg.PruneInterval, &errs)
	validatePositiveDuration("TETHER_RE_ENABLE_TICK", cfg.ReEnableTick, &errs)
	validatePositiveDuration("TETHER_NODE_HEALTH_INTERVAL", cfg.NodeHealthInterval, &errs)
	if _, err := cron.ParseStandard(cfg.CompactSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TETHER_COMPACT_SCHEDULE: invalid cron expression %q: %v", cfg.CompactSchedule, err))
	}
	if !cfg.Policy.IsValid() {
		errs = append(errs, fmt.Sprintf("TETHER_POLICY: invalid value %q (allowed: %s, %s)", cfg.Policy, PolicySmart, PolicyStrict))
	}
	validatePositiveDuration("TETHER_LIMIT_CACHE_TTL", cfg.LimitCacheTTL, &errs)
	validatePositive("TETHER_LIMIT_CACHE_SIZE", cfg.LimitCacheSize, &errs)
	validatePositiveDuration("TETHER_API_TIMEOUT", cfg.APITimeout, &errs)
	validatePositive("TETHER_EVAL_WORKERS", cfg.EvalWorkers, &errs)
	validatePositive("TETHER_ENFORCE_LANES", cfg.EnforceLanes, &errs)
	validatePositiveDuration("TETHER_NODE_TIMEOUT", cfg.NodeTimeout, &errs)
	if !hasNodeSecret || cfg.NodeSecret == "" {
		errs = append(errs, "TETHER_NODE_SECRET must be defined and non-empty")
	}
	if cfg.SubscriptionAPIURL == "" {
		errs = append(errs, "TETHER_SUBSCRIPTION_API_URL must be defined")
	}
	if cfg.SubscriptionAPIToken == "" {
		errs = append(errs, "TETHER_SUBSCRIPTION_API_TOKEN must be defined")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// ParseNodeList parses the "name:addr[:port],name:addr[:port]" node set form.
// Entries without an explicit port get defaultPort.
func ParseNodeList(s string, defaultPort int) ([]model.NodeDescriptor, []string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var nodes []model.NodeDescriptor
	var errs []string
	seen := make(map[string]struct{})
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			errs = append(errs, fmt.Sprintf("TETHER_NODES: invalid entry %q (want name:addr[:port])", item))
			continue
		}
		name := strings.TrimSpace(parts[0])
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Sprintf("TETHER_NODES: duplicate node name %q", name))
			continue
		}
		seen[name] = struct{}{}

		port := defaultPort
		if len(parts) == 3 {
			p, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil || p < 1 || p > 65535 {
				errs = append(errs, fmt.Sprintf("TETHER_NODES: invalid port in entry %q", item))
				continue
			}
			port = p
		}
		nodes = append(nodes, model.NodeDescriptor{
			Name:    name,
			Address: strings.TrimSpace(parts[1]),
			Port:    port,
		})
	}
	return nodes, errs
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Bare integers are seconds, matching the original deployment configs.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}

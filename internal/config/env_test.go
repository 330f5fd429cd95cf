package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredControllerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TETHER_NODE_SECRET", "s3cret")
	t.Setenv("TETHER_SUBSCRIPTION_API_URL", "http://panel.example.com")
	t.Setenv("TETHER_SUBSCRIPTION_API_TOKEN", "tok")
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setRequiredControllerEnv(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.IngestPort != 5000 || cfg.AdminPort != 8080 {
		t.Errorf("ports = %d/%d", cfg.IngestPort, cfg.AdminPort)
	}
	if cfg.IPWindow != 60*time.Second {
		t.Errorf("IPWindow = %s", cfg.IPWindow)
	}
	if cfg.Policy != PolicySmart {
		t.Errorf("Policy = %q", cfg.Policy)
	}
	if !cfg.DropAllIPs {
		t.Error("DropAllIPs should default to true")
	}
	if cfg.EnforceLanes != 16 {
		t.Errorf("EnforceLanes = %d", cfg.EnforceLanes)
	}
}

func TestLoadEnvConfig_MissingRequired(t *testing.T) {
	t.Setenv("TETHER_NODE_SECRET", "")
	t.Setenv("TETHER_SUBSCRIPTION_API_URL", "")
	t.Setenv("TETHER_SUBSCRIPTION_API_TOKEN", "")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"TETHER_NODE_SECRET", "TETHER_SUBSCRIPTION_API_URL", "TETHER_SUBSCRIPTION_API_TOKEN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}

func TestLoadEnvConfig_BareSecondsDuration(t *testing.T) {
	setRequiredControllerEnv(t)
	t.Setenv("TETHER_IP_WINDOW", "90")
	t.Setenv("TETHER_DISABLE_DURATION", "15m")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.IPWindow != 90*time.Second {
		t.Errorf("IPWindow = %s, want 90s", cfg.IPWindow)
	}
	if cfg.DisableDuration != 15*time.Minute {
		t.Errorf("DisableDuration = %s, want 15m", cfg.DisableDuration)
	}
}

func TestLoadEnvConfig_RejectsBadPolicyAndCron(t *testing.T) {
	setRequiredControllerEnv(t)
	t.Setenv("TETHER_POLICY", "lenient")
	t.Setenv("TETHER_COMPACT_SCHEDULE", "not a cron")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "TETHER_POLICY") || !strings.Contains(err.Error(), "TETHER_COMPACT_SCHEDULE") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadEnvConfig_ConcurrentWindowBound(t *testing.T) {
	setRequiredControllerEnv(t)
	t.Setenv("TETHER_IP_WINDOW", "30s")
	t.Setenv("TETHER_CONCURRENT_WINDOW", "60s")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "TETHER_CONCURRENT_WINDOW") {
		t.Fatalf("expected concurrent-window error, got %v", err)
	}
}

func TestParseNodeList(t *testing.T) {
	nodes, errs := ParseNodeList("nodeA:10.0.0.1, nodeB:10.0.0.2:6001", 5001)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(nodes) != 2 {
		t.Fatalf("len(nodes) = %d", len(nodes))
	}
	if nodes[0].Name != "nodeA" || nodes[0].Address != "10.0.0.1" || nodes[0].Port != 5001 {
		t.Errorf("nodes[0] = %+v", nodes[0])
	}
	if nodes[1].Port != 6001 {
		t.Errorf("nodes[1].Port = %d", nodes[1].Port)
	}
}

func TestParseNodeList_Errors(t *testing.T) {
	_, errs := ParseNodeList("noport,dup:1.1.1.1,dup:2.2.2.2,bad:1.1.1.1:70000", 5001)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %v", errs)
	}
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	t.Setenv("TETHER_AGENT_NODE_NAME", "node-1")
	t.Setenv("TETHER_AGENT_SERVER_URL", "http://controller:5000/")
	t.Setenv("TETHER_AGENT_SECRET", "s")

	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.ServerURL != "http://controller:5000" {
		t.Errorf("ServerURL = %q (trailing slash not trimmed)", cfg.ServerURL)
	}
	if cfg.UploadMode != UploadModeBatch {
		t.Errorf("UploadMode = %q", cfg.UploadMode)
	}
	if cfg.QueueSize < 2*cfg.BatchSize {
		t.Errorf("queue %d vs batch %d", cfg.QueueSize, cfg.BatchSize)
	}
}

func TestLoadAgentConfig_InvalidMode(t *testing.T) {
	t.Setenv("TETHER_AGENT_NODE_NAME", "node-1")
	t.Setenv("TETHER_AGENT_SERVER_URL", "http://controller:5000")
	t.Setenv("TETHER_AGENT_SECRET", "s")
	t.Setenv("TETHER_AGENT_UPLOAD_MODE", "firehose")

	_, err := LoadAgentConfig()
	if err == nil || !strings.Contains(err.Error(), "TETHER_AGENT_UPLOAD_MODE") {
		t.Fatalf("expected upload-mode error, got %v", err)
	}
}

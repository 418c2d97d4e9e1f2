package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATAKILN_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18990" {
		t.Errorf("BindAddr = %q, want default", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Sweeper.StaleTaskTimeoutMinutes != 15 {
		t.Errorf("StaleTaskTimeoutMinutes = %d, want 15", cfg.Sweeper.StaleTaskTimeoutMinutes)
	}
	if cfg.Sweeper.ProcessingTimeoutMinutes != 30 {
		t.Errorf("ProcessingTimeoutMinutes = %d, want 30", cfg.Sweeper.ProcessingTimeoutMinutes)
	}
	if cfg.Sweeper.RetentionInputDays != 7 || cfg.Sweeper.RetentionOutputDays != 30 {
		t.Errorf("retention = %d/%d, want 7/30",
			cfg.Sweeper.RetentionInputDays, cfg.Sweeper.RetentionOutputDays)
	}
	if len(cfg.Tools) == 0 {
		t.Fatal("expected built-in tools")
	}
	if _, ok := cfg.Tool("doc-summarize"); !ok {
		t.Error("expected doc-summarize tool")
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DATAKILN_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9000"
log_level: debug
api_tokens:
  tok-abc: alice
runner:
  slots: 2
tools:
  - id: custom
    agents: [extract-text]
    cost: 3
    input_roles: [document]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Runner.Slots != 2 {
		t.Errorf("Slots = %d, want 2", cfg.Runner.Slots)
	}
	if owner, ok := cfg.OwnerForToken("tok-abc"); !ok || owner != "alice" {
		t.Errorf("OwnerForToken = %q, %v", owner, ok)
	}
	if _, ok := cfg.Tool("custom"); !ok {
		t.Error("expected custom tool from yaml")
	}
	// Unset sections still get defaults.
	if cfg.Sweeper.Schedule != "* * * * *" {
		t.Errorf("Schedule = %q", cfg.Sweeper.Schedule)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATAKILN_HOME", t.TempDir())
	t.Setenv("DATAKILN_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("DATAKILN_RUNNER_SLOTS", "8")
	t.Setenv("DATAKILN_API_TOKEN", "env-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Runner.Slots != 8 {
		t.Errorf("Slots = %d", cfg.Runner.Slots)
	}
	if owner, ok := cfg.OwnerForToken("env-token"); !ok || owner != "default" {
		t.Errorf("OwnerForToken = %q, %v", owner, ok)
	}
}

func TestValidateRejectsBadTools(t *testing.T) {
	cases := []struct {
		name string
		tool ToolConfig
	}{
		{"empty id", ToolConfig{Agents: []string{"a"}, InputRoles: []string{"r"}}},
		{"no agents", ToolConfig{ID: "t", InputRoles: []string{"r"}}},
		{"no input roles", ToolConfig{ID: "t", Agents: []string{"a"}}},
		{"negative cost", ToolConfig{ID: "t", Agents: []string{"a"}, InputRoles: []string{"r"}, Cost: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Tools = []ToolConfig{tc.tool}
			if err := validate(&cfg); err == nil {
				t.Errorf("validate accepted %s", tc.name)
			}
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		cfg := defaultConfig()
		ok := ToolConfig{ID: "t", Agents: []string{"a"}, InputRoles: []string{"r"}}
		cfg.Tools = []ToolConfig{ok, ok}
		if err := validate(&cfg); err == nil {
			t.Error("validate accepted duplicate tool ids")
		}
	})
}

func TestFingerprintStable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}
	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs produced identical fingerprints")
	}
}

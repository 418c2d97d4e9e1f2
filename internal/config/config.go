package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/datakiln/internal/otel"
)

// ToolConfig defines a processing pipeline offered by the service.
// Agents run in declaration order; Cost is debited in full before the
// first agent starts.
type ToolConfig struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Agents      []string `yaml:"agents"`
	Cost        int64    `yaml:"cost"`
	// InputRoles names the files a task must stage before processing
	// can start (e.g. "document", "reference").
	InputRoles []string `yaml:"input_roles"`
	// ParamsSchema is an inline JSON Schema for the tool's params
	// object. Empty means params must be absent or empty.
	ParamsSchema string `yaml:"params_schema"`
}

// SweeperConfig controls the background expiry and cleanup pass.
type SweeperConfig struct {
	// Schedule is a cron expression; default runs every minute.
	Schedule string `yaml:"schedule"`

	StaleTaskTimeoutMinutes     int `yaml:"stale_task_timeout_minutes"`
	ProcessingTimeoutMinutes    int `yaml:"processing_timeout_minutes"`
	RetentionInputDays          int `yaml:"retention_input_days"`
	RetentionOutputDays         int `yaml:"retention_output_days"`
	RetentionFailedDays         int `yaml:"retention_failed_days"`
	RetentionTaskEventsDays     int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays       int `yaml:"retention_audit_log_days"`
	CleanupBatchSize            int `yaml:"cleanup_batch_size"`
}

// RunnerConfig controls pipeline execution.
type RunnerConfig struct {
	// Slots bounds how many pipelines run concurrently.
	Slots               int `yaml:"slots"`
	AgentTimeoutSeconds int `yaml:"agent_timeout_seconds"`
}

// StagingConfig controls the blob staging gateway.
type StagingConfig struct {
	// RootDir holds staged objects. Empty defaults to <home>/blobs.
	RootDir string `yaml:"root_dir"`
	// SigningSecret signs upload/download grants. Required in
	// production; a random secret is generated when empty.
	SigningSecret      string `yaml:"signing_secret"`
	UploadGrantTTLMin  int    `yaml:"upload_grant_ttl_minutes"`
	DownloadGrantTTLMin int   `yaml:"download_grant_ttl_minutes"`
	MaxUploadBytes     int64  `yaml:"max_upload_bytes"`
}

// RateLimitConfig bounds request rates per client token.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// APITokens maps bearer tokens to owner IDs. Env var
	// DATAKILN_API_TOKEN adds a token for owner "default".
	APITokens map[string]string `yaml:"api_tokens"`

	// AllowOrigins controls which Origin headers are accepted for
	// browser clients. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the
	// default (15s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// InitialCredits seeds the ledger for owners seen for the first
	// time. 0 disables auto-provisioning.
	InitialCredits int64 `yaml:"initial_credits"`

	Tools     []ToolConfig    `yaml:"tools"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Runner    RunnerConfig    `yaml:"runner"`
	Staging   StagingConfig   `yaml:"staging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      otel.Config     `yaml:"otel"`
}

// Tool returns the tool definition for the given id, or false.
func (c Config) Tool(id string) (ToolConfig, bool) {
	for _, t := range c.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return ToolConfig{}, false
}

// OwnerForToken resolves a bearer token to an owner ID, or false.
func (c Config) OwnerForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	owner, ok := c.APITokens[token]
	return owner, ok
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so operators can tell which settings a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tools=%d|slots=%d|sweep=%s|origins=%v",
		c.BindAddr, c.LogLevel, len(c.Tools), c.Runner.Slots, c.Sweeper.Schedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18990",
		LogLevel:            "info",
		DrainTimeoutSeconds: 15,
		InitialCredits:      100,
		Sweeper: SweeperConfig{
			Schedule:                 "* * * * *",
			StaleTaskTimeoutMinutes:  15,
			ProcessingTimeoutMinutes: 30,
			RetentionInputDays:       7,
			RetentionOutputDays:      30,
			RetentionFailedDays:      7,
			RetentionTaskEventsDays:  90,
			RetentionAuditLogDays:    365,
			CleanupBatchSize:         100,
		},
		Runner: RunnerConfig{
			Slots:               4,
			AgentTimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Staging: StagingConfig{
			UploadGrantTTLMin:   15,
			DownloadGrantTTLMin: 60,
			MaxUploadBytes:      256 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("DATAKILN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".datakiln")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create datakiln home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 15
	}
	if cfg.Runner.Slots <= 0 {
		cfg.Runner.Slots = 4
	}
	if cfg.Runner.AgentTimeoutSeconds <= 0 {
		cfg.Runner.AgentTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if strings.TrimSpace(cfg.Sweeper.Schedule) == "" {
		cfg.Sweeper.Schedule = "* * * * *"
	}
	if cfg.Sweeper.StaleTaskTimeoutMinutes <= 0 {
		cfg.Sweeper.StaleTaskTimeoutMinutes = 15
	}
	if cfg.Sweeper.ProcessingTimeoutMinutes <= 0 {
		cfg.Sweeper.ProcessingTimeoutMinutes = 30
	}
	if cfg.Sweeper.RetentionInputDays <= 0 {
		cfg.Sweeper.RetentionInputDays = 7
	}
	if cfg.Sweeper.RetentionOutputDays <= 0 {
		cfg.Sweeper.RetentionOutputDays = 30
	}
	if cfg.Sweeper.RetentionFailedDays <= 0 {
		cfg.Sweeper.RetentionFailedDays = 7
	}
	if cfg.Sweeper.CleanupBatchSize <= 0 {
		cfg.Sweeper.CleanupBatchSize = 100
	}
	if cfg.Staging.RootDir == "" {
		cfg.Staging.RootDir = filepath.Join(cfg.HomeDir, "blobs")
	}
	if cfg.Staging.UploadGrantTTLMin <= 0 {
		cfg.Staging.UploadGrantTTLMin = 15
	}
	if cfg.Staging.DownloadGrantTTLMin <= 0 {
		cfg.Staging.DownloadGrantTTLMin = 60
	}
	if cfg.Staging.MaxUploadBytes <= 0 {
		cfg.Staging.MaxUploadBytes = 256 << 20
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 30
	}
	if len(cfg.Tools) == 0 {
		cfg.Tools = defaultTools()
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if t.ID == "" {
			return fmt.Errorf("tool with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tool id %q", t.ID)
		}
		seen[t.ID] = true
		if len(t.Agents) == 0 {
			return fmt.Errorf("tool %q declares no agents", t.ID)
		}
		if t.Cost < 0 {
			return fmt.Errorf("tool %q has negative cost %d", t.ID, t.Cost)
		}
		if len(t.InputRoles) == 0 {
			return fmt.Errorf("tool %q declares no input roles", t.ID)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DATAKILN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DATAKILN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DATAKILN_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DATAKILN_RUNNER_SLOTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Runner.Slots = v
		}
	}
	if raw := os.Getenv("DATAKILN_SIGNING_SECRET"); raw != "" {
		cfg.Staging.SigningSecret = raw
	}
	if raw := os.Getenv("DATAKILN_API_TOKEN"); raw != "" {
		if cfg.APITokens == nil {
			cfg.APITokens = make(map[string]string)
		}
		cfg.APITokens[raw] = "default"
	}
	if raw := os.Getenv("DATAKILN_OTEL_ENABLED"); raw != "" {
		cfg.OTel.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("DATAKILN_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

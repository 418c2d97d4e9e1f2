// Package doctor runs local diagnostic checks: configuration, database,
// staging storage, and the bind address. It never mutates task state.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/datakiln/internal/config"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/staging"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTools,
		checkDatabase,
		checkStaging,
		checkPermissions,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if len(cfg.APITokens) == 0 {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No API tokens configured; every request will be rejected",
			Detail:  "Add api_tokens to config.yaml or set DATAKILN_API_TOKEN",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkTools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tools", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Tools) == 0 {
		return CheckResult{Name: "Tools", Status: "FAIL", Message: "No tools configured; tasks cannot be created"}
	}
	ids := make([]string, 0, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		ids = append(ids, tool.ID)
	}
	return CheckResult{
		Name:    "Tools",
		Status:  "PASS",
		Message: fmt.Sprintf("%d tool(s) configured", len(cfg.Tools)),
		Detail:  strings.Join(ids, ", "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "datakiln.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d task(s)", total)}
}

// checkStaging round-trips a probe object through the blob store.
func checkStaging(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Staging", Status: "SKIP", Message: "Config missing"}
	}
	root := cfg.Staging.RootDir
	if root == "" {
		root = filepath.Join(cfg.HomeDir, "blobs")
	}
	fs, err := staging.NewFSStore(root)
	if err != nil {
		return CheckResult{Name: "Staging", Status: "FAIL", Message: fmt.Sprintf("Root unusable: %v", err)}
	}
	probe := "doctor/.probe"
	if _, err := fs.Put(probe, strings.NewReader("ok"), 16); err != nil {
		return CheckResult{Name: "Staging", Status: "FAIL", Message: fmt.Sprintf("Write failed: %v", err)}
	}
	if _, err := fs.DeletePrefix("doctor/"); err != nil {
		return CheckResult{Name: "Staging", Status: "WARN", Message: fmt.Sprintf("Probe cleanup failed: %v", err)}
	}
	return CheckResult{Name: "Staging", Status: "PASS", Message: fmt.Sprintf("Blob root writable (%s)", root)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkBindAddr reports whether the configured address is free or
// already serving, both of which are fine; anything else fails.
func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "No bind address configured"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err == nil {
		ln.Close()
		return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
	}
	conn, dialErr := net.DialTimeout("tcp", cfg.BindAddr, time.Second)
	if dialErr == nil {
		conn.Close()
		return CheckResult{Name: "Bind Address", Status: "WARN", Message: fmt.Sprintf("%s already serving (daemon running?)", cfg.BindAddr)}
	}
	return CheckResult{Name: "Bind Address", Status: "FAIL", Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
}

// Package doctor runs local diagnostics for `clawrelay doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawrelay/internal/config"
	"github.com/basket/clawrelay/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// lookPath and resolver are swapped in tests.
var (
	lookPath = exec.LookPath
	resolver = net.DefaultResolver.LookupHost
)

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

	checks := []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkClaudeCLI,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if cfg.FileMissing {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("No config.yaml in %s; using defaults and environment", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	key := cfg.Claude.APIKey
	if key == "" {
		return CheckResult{
			Name:    "API Key",
			Status:  StatusFail,
			Message: "ANTHROPIC_API_KEY not set",
			Detail:  "Set ANTHROPIC_API_KEY or claude.api_key",
		}
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return CheckResult{Name: "API Key", Status: StatusWarn, Message: "ANTHROPIC_API_KEY does not look like an Anthropic key"}
	}
	return CheckResult{Name: "API Key", Status: StatusPass, Message: "ANTHROPIC_API_KEY is set"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Store.Path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, sessions=%d, active_last_hour=%d", cfg.Store.Path, st.TotalSessions, st.ActiveLastHour),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.Claude.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and work directories writable"}
}

func checkClaudeCLI(_ context.Context, cfg *config.Config) CheckResult {
	command := "claude"
	if cfg != nil && cfg.Claude.Command != "" {
		command = cfg.Claude.Command
	}
	path, err := lookPath(command)
	if err != nil {
		return CheckResult{
			Name:    "Claude CLI",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found on PATH", command),
			Detail:  "Install with: npm install -g @anthropic-ai/claude-code",
		}
	}
	return CheckResult{Name: "Claude CLI", Status: StatusPass, Message: fmt.Sprintf("Found %s", path)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	hosts := []string{"api.anthropic.com"}
	if cfg.Channels.Slack.Enabled {
		hosts = append(hosts, "slack.com")
	}
	if cfg.Channels.Telegram.Enabled {
		hosts = append(hosts, "api.telegram.org")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details []string
	start := time.Now()
	for _, host := range hosts {
		addrs, err := resolver(lookupCtx, host)
		if err != nil {
			return CheckResult{
				Name:    "Network",
				Status:  StatusFail,
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
				Detail:  strings.Join(details, ", "),
			}
		}
		details = append(details, fmt.Sprintf("%s=%d", host, len(addrs)))
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %d hosts (%dms)", len(hosts), time.Since(start).Milliseconds()),
		Detail:  strings.Join(details, ", "),
	}
}

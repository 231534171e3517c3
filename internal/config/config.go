package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawrelay/internal/cron"
)

const (
	defaultBindAddr     = "0.0.0.0:3000"
	defaultSystemPrompt = "You are responding in Slack. Keep responses concise and well-formatted for Slack messages. Use markdown formatting when appropriate."
)

// defaultDisallowedTools keeps the backend away from the host filesystem and
// shell; the relay runs as a shared service.
var defaultDisallowedTools = []string{
	"Read", "Write", "Edit", "Glob", "Grep", "Bash", "BashOutput", "KillShell", "NotebookEdit", "Task",
}

type StoreConfig struct {
	// Path defaults to <home>/sessions.db.
	Path                 string `yaml:"path"`
	TTLHours             int    `yaml:"ttl_hours"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
	// SweepSchedule is a cron expression that overrides the interval.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type EngineConfig struct {
	QueryTimeoutSeconds int  `yaml:"query_timeout_seconds"`
	RelayIntervalMS     int  `yaml:"relay_interval_ms"`
	MaxMessageLength    int  `yaml:"max_message_length"`
	ProgressIntervalMS  int  `yaml:"progress_interval_ms"`
	SerializePerThread  bool `yaml:"serialize_per_thread"`
}

type ClaudeConfig struct {
	Command            string   `yaml:"command"`
	Model              string   `yaml:"model"`
	MaxTurns           int      `yaml:"max_turns"`
	PermissionMode     string   `yaml:"permission_mode"`
	WorkDir            string   `yaml:"work_dir"`
	AppendSystemPrompt string   `yaml:"append_system_prompt"`
	AllowedTools       []string `yaml:"allowed_tools"`
	DisallowedTools    []string `yaml:"disallowed_tools"`
	StreamPartial      bool     `yaml:"stream_partial"`
	// APIKey is normally supplied through ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key"`
}

type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	SigningSecret string `yaml:"signing_secret"`
	// APIURL overrides the Web API base, mostly for tests.
	APIURL string `yaml:"api_url"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type AdminConfig struct {
	// Token guards /api/*. Empty disables the admin API.
	Token string `yaml:"token"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel             string `yaml:"log_level"`
	BindAddr             string `yaml:"bind_addr"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds"`

	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Claude    ClaudeConfig    `yaml:"claude"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// FileMissing is set when config.yaml did not exist and only defaults
	// and environment were used.
	FileMissing bool `yaml:"-"`
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Store.TTLHours) * time.Hour
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Store.SweepIntervalMinutes) * time.Minute
}

func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.Engine.QueryTimeoutSeconds) * time.Second
}

func (c Config) RelayInterval() time.Duration {
	return time.Duration(c.Engine.RelayIntervalMS) * time.Millisecond
}

func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.Engine.ProgressIntervalMS) * time.Millisecond
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that can be reloaded
// without a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|timeout=%d|relay=%d|max=%d|progress=%d",
		c.LogLevel, c.Engine.QueryTimeoutSeconds, c.Engine.RelayIntervalMS, c.Engine.MaxMessageLength, c.Engine.ProgressIntervalMS)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RestartRequired lists top-level settings that differ between c and next
// and only take effect after a restart.
func (c Config) RestartRequired(next Config) []string {
	var changed []string
	if c.BindAddr != next.BindAddr {
		changed = append(changed, "bind_addr")
	}
	if c.Store != next.Store {
		changed = append(changed, "store")
	}
	if c.Engine.SerializePerThread != next.Engine.SerializePerThread {
		changed = append(changed, "engine.serialize_per_thread")
	}
	if fmt.Sprint(c.Claude) != fmt.Sprint(next.Claude) {
		changed = append(changed, "claude")
	}
	if fmt.Sprint(c.Channels) != fmt.Sprint(next.Channels) {
		changed = append(changed, "channels")
	}
	if c.Admin != next.Admin {
		changed = append(changed, "admin")
	}
	if c.Telemetry != next.Telemetry {
		changed = append(changed, "telemetry")
	}
	return changed
}

func defaultConfig() Config {
	return Config{
		LogLevel:             "info",
		BindAddr:             defaultBindAddr,
		ShutdownGraceSeconds: 30,
		Store: StoreConfig{
			TTLHours:             24,
			SweepIntervalMinutes: 60,
		},
		Engine: EngineConfig{
			QueryTimeoutSeconds: 110,
			RelayIntervalMS:     3000,
			MaxMessageLength:    3900,
			ProgressIntervalMS:  5000,
		},
		Claude: ClaudeConfig{
			Command:            "claude",
			MaxTurns:           10,
			PermissionMode:     "bypassPermissions",
			AppendSystemPrompt: defaultSystemPrompt,
			DisallowedTools:    append([]string(nil), defaultDisallowedTools...),
		},
		Channels: ChannelsConfig{
			Slack: SlackConfig{Enabled: true},
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "clawrelay",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawrelay")
}

// Load reads <HomeDir()>/config.yaml.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies environment overrides and
// fills defaults. It does not validate; call Validate before starting.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawrelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FileMissing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = filepath.Join(cfg.HomeDir, "sessions.db")
	}
	if strings.TrimSpace(cfg.Claude.WorkDir) == "" {
		cfg.Claude.WorkDir = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Claude.Command == "" {
		cfg.Claude.Command = "claude"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "clawrelay"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Channels.Slack.BotToken = raw
	}
	if raw := os.Getenv("SLACK_SIGNING_SECRET"); raw != "" {
		cfg.Channels.Slack.SigningSecret = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.Claude.APIKey = raw
	}
	if raw := os.Getenv("PORT"); raw != "" {
		if _, err := strconv.Atoi(raw); err == nil {
			cfg.BindAddr = "0.0.0.0:" + raw
		}
	}
	if raw := os.Getenv("CLAWRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWRELAY_DB_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("CLAWRELAY_SESSION_TTL_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Store.TTLHours = v
		}
	}
	if raw := os.Getenv("CLAWRELAY_QUERY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.QueryTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAWRELAY_ADMIN_TOKEN"); raw != "" {
		cfg.Admin.Token = raw
	}
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	slack, telegram := c.Channels.Slack, c.Channels.Telegram
	if !slack.Enabled && !telegram.Enabled {
		errs = append(errs, errors.New("no channel enabled: enable channels.slack or channels.telegram"))
	}
	if slack.Enabled {
		if slack.BotToken == "" {
			errs = append(errs, errors.New("channels.slack.bot_token is required (or SLACK_BOT_TOKEN)"))
		}
		if slack.SigningSecret == "" {
			errs = append(errs, errors.New("channels.slack.signing_secret is required (or SLACK_SIGNING_SECRET)"))
		}
	}
	if telegram.Enabled && telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram.token is required (or TELEGRAM_TOKEN)"))
	}
	if c.Claude.APIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"shutdown_grace_seconds", c.ShutdownGraceSeconds},
		{"store.ttl_hours", c.Store.TTLHours},
		{"store.sweep_interval_minutes", c.Store.SweepIntervalMinutes},
		{"engine.query_timeout_seconds", c.Engine.QueryTimeoutSeconds},
		{"engine.relay_interval_ms", c.Engine.RelayIntervalMS},
		{"engine.max_message_length", c.Engine.MaxMessageLength},
		{"engine.progress_interval_ms", c.Engine.ProgressIntervalMS},
		{"claude.max_turns", c.Claude.MaxTurns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}

	if c.Store.SweepSchedule != "" {
		if err := cron.ValidateSchedule(c.Store.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("store.sweep_schedule %q: %w", c.Store.SweepSchedule, err))
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate))
	}
	return errors.Join(errs...)
}

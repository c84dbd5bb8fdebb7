// Package config provides configuration management for claudebridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for claudebridge.
type Config struct {
	Slack    SlackConfig     `mapstructure:"slack"`
	Claude   ClaudeConfig    `mapstructure:"claude"`
	Sessions SessionsConfig  `mapstructure:"sessions"`
	Queues   QueuesConfig    `mapstructure:"queues"`
	Cron     CronConfig      `mapstructure:"cron"`
	Data     DataConfig      `mapstructure:"data"`
	Ops      OpsConfig       `mapstructure:"ops"`
	Events   EventsConfig    `mapstructure:"events"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Projects []ProjectConfig `mapstructure:"projects"`
}

// SlackConfig holds the chat transport credentials and routing.
type SlackConfig struct {
	// AppToken is the app-level token (xapp-…) used to open a socket-mode
	// connection. BotToken (xoxb-…) authorizes Web API calls.
	AppToken string `mapstructure:"app_token"`
	BotToken string `mapstructure:"bot_token"`

	// Channel is the single channel the bridge listens on and replies to.
	Channel string `mapstructure:"channel"`

	// APIBase overrides the Slack Web API base URL (tests point it at a
	// local server). Empty means the public endpoint.
	APIBase string `mapstructure:"api_base"`

	// SendRetries bounds retransmission attempts for outbound messages.
	SendRetries int `mapstructure:"send_retries"`
}

// ClaudeConfig holds the assistant CLI invocation contract.
type ClaudeConfig struct {
	CLIPath      string        `mapstructure:"cli_path"`
	DefaultArgs  []string      `mapstructure:"default_args"`
	OutputFormat string        `mapstructure:"output_format"` // text, json, stream-json
	Model        string        `mapstructure:"model"`
	StartupProbe time.Duration `mapstructure:"startup_probe"`
	InputMax     int           `mapstructure:"input_max"`
	StderrRing   int           `mapstructure:"stderr_ring"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	QuietWindow  time.Duration `mapstructure:"quiet_window"`
	ChunkBuffer  int           `mapstructure:"chunk_buffer"`
}

// SessionsConfig holds session registry limits.
type SessionsConfig struct {
	MaxSessions  int           `mapstructure:"max_sessions"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// QueuesConfig holds task queue execution and persistence settings.
type QueuesConfig struct {
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	PersistDebounce time.Duration `mapstructure:"persist_debounce"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// CronConfig holds scheduler settings and startup schedules.
type CronConfig struct {
	// QueuePrefix names the queue cron firings feed ("<prefix>-<project>").
	QueuePrefix string `mapstructure:"queue_prefix"`

	// Schedules registered at startup. Cron state is not persisted; this is
	// how standing schedules survive a restart.
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig declares one cron schedule in the config file.
type ScheduleConfig struct {
	Pattern string   `mapstructure:"pattern"`
	Tasks   []string `mapstructure:"tasks"`
	Project string   `mapstructure:"project"`
}

// DataConfig holds filesystem locations.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// OpsConfig holds the read-only health/status HTTP server settings.
type OpsConfig struct {
	// Addr is the listen address (host:port). Empty disables the server.
	Addr string `mapstructure:"addr"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	// URL of a NATS server. Empty means the in-memory bus.
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ProjectConfig declares one project the bridge may open sessions in.
type ProjectConfig struct {
	Name        string `mapstructure:"name"`
	Path        string `mapstructure:"path"`
	Description string `mapstructure:"description"`
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("JOURNAL_STREAM") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDEBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Slack defaults; tokens have no defaults on purpose
	v.SetDefault("slack.channel", "")
	v.SetDefault("slack.api_base", "")
	v.SetDefault("slack.send_retries", 3)

	// Claude CLI defaults
	v.SetDefault("claude.cli_path", "claude")
	v.SetDefault("claude.default_args", []string{"--dangerously-skip-permissions"})
	v.SetDefault("claude.output_format", "stream-json")
	v.SetDefault("claude.model", "")
	v.SetDefault("claude.startup_probe", 2*time.Second)
	v.SetDefault("claude.input_max", 32768)
	v.SetDefault("claude.stderr_ring", 64*1024)
	v.SetDefault("claude.grace_period", 10*time.Second)
	v.SetDefault("claude.quiet_window", 200*time.Millisecond)
	v.SetDefault("claude.chunk_buffer", 256)

	// Session registry defaults
	v.SetDefault("sessions.max_sessions", 10)
	v.SetDefault("sessions.idle_timeout", time.Hour)
	v.SetDefault("sessions.reap_interval", time.Minute)

	// Queue defaults
	v.SetDefault("queues.task_timeout", 30*time.Minute)
	v.SetDefault("queues.history_limit", 100)
	v.SetDefault("queues.persist_debounce", 500*time.Millisecond)
	v.SetDefault("queues.max_retries", 0)

	// Cron defaults
	v.SetDefault("cron.queue_prefix", "cron")

	// Data directory
	v.SetDefault("data.dir", "~/.claudebridge")

	// Ops server disabled unless an address is configured
	v.SetDefault("ops.addr", "")

	// Events defaults - empty URL means use the in-memory event bus
	v.SetDefault("events.url", "")
	v.SetDefault("events.client_id", "claudebridge")
	v.SetDefault("events.max_reconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDEBRIDGE_ with snake_case naming.
// The config file is config.yaml in the current directory or ~/.claudebridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Tokens are usually injected via the conventional Slack variable names;
	// bind those in addition to the prefixed forms.
	_ = v.BindEnv("slack.app_token", "SLACK_APP_TOKEN", "CLAUDEBRIDGE_SLACK_APP_TOKEN")
	_ = v.BindEnv("slack.bot_token", "SLACK_BOT_TOKEN", "CLAUDEBRIDGE_SLACK_BOT_TOKEN")
	_ = v.BindEnv("slack.channel", "CLAUDEBRIDGE_SLACK_CHANNEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// configPath may name the config file itself or a directory holding
	// config.yaml.
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".claudebridge"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize expands filesystem paths in place.
func normalize(cfg *Config) error {
	dir, err := ExpandPath(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("data.dir: %w", err)
	}
	cfg.Data.Dir = dir

	for i := range cfg.Projects {
		p, err := ExpandPath(cfg.Projects[i].Path)
		if err != nil {
			return fmt.Errorf("projects[%d].path: %w", i, err)
		}
		cfg.Projects[i].Path = p
	}
	return nil
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

// Validate checks that all required configuration fields are consistent.
// Slack tokens are checked for shape only when set; the daemon refuses to
// start without them but `doctor` and tests load configs without tokens.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Slack.AppToken != "" && !strings.HasPrefix(cfg.Slack.AppToken, "xapp-") {
		errs = append(errs, "slack.app_token must start with xapp-")
	}
	if cfg.Slack.BotToken != "" && !strings.HasPrefix(cfg.Slack.BotToken, "xoxb-") {
		errs = append(errs, "slack.bot_token must start with xoxb-")
	}
	if cfg.Slack.SendRetries < 0 {
		errs = append(errs, "slack.send_retries must not be negative")
	}

	if cfg.Claude.CLIPath == "" {
		errs = append(errs, "claude.cli_path is required")
	}
	switch cfg.Claude.OutputFormat {
	case "text", "json", "stream-json":
	default:
		errs = append(errs, "claude.output_format must be one of: text, json, stream-json")
	}
	if cfg.Claude.InputMax <= 0 {
		errs = append(errs, "claude.input_max must be positive")
	}
	if cfg.Claude.StderrRing <= 0 {
		errs = append(errs, "claude.stderr_ring must be positive")
	}
	if cfg.Claude.ChunkBuffer <= 0 {
		errs = append(errs, "claude.chunk_buffer must be positive")
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"claude.startup_probe", cfg.Claude.StartupProbe},
		{"claude.grace_period", cfg.Claude.GracePeriod},
		{"claude.quiet_window", cfg.Claude.QuietWindow},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeout},
		{"sessions.reap_interval", cfg.Sessions.ReapInterval},
		{"queues.task_timeout", cfg.Queues.TaskTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, d.name+" must be positive")
		}
	}

	if cfg.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.max_sessions must be positive")
	}
	if cfg.Queues.HistoryLimit <= 0 {
		errs = append(errs, "queues.history_limit must be positive")
	}
	if cfg.Queues.MaxRetries < 0 {
		errs = append(errs, "queues.max_retries must not be negative")
	}
	if cfg.Queues.PersistDebounce < 0 {
		errs = append(errs, "queues.persist_debounce must not be negative")
	}

	if cfg.Cron.QueuePrefix == "" {
		errs = append(errs, "cron.queue_prefix is required")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Ops.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Ops.Addr); err != nil {
			errs = append(errs, "ops.addr must be a host:port address")
		}
	}

	seen := make(map[string]bool, len(cfg.Projects))
	for i, p := range cfg.Projects {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("projects[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		if p.Path == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].path is required", i))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// QueuesFile returns the path of the queue persistence file.
func (d *DataConfig) QueuesFile() string {
	return filepath.Join(d.Dir, "queues.json")
}

// SessionsFile returns the path of the session bookkeeping file.
func (d *DataConfig) SessionsFile() string {
	return filepath.Join(d.Dir, "sessions.json")
}

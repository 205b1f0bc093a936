// Package config loads agent configuration from the environment, with an
// optional YAML overlay file for non-secret tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Optional YAML overlay (scheduler/notification tuning, no secrets)
	ConfigFile string `envconfig:"AGENT_CONFIG_FILE"`

	// Proxmox
	ProxmoxAPIURL          string `envconfig:"PROXMOX_API_URL"`
	ProxmoxTokenID         string `envconfig:"PROXMOX_API_TOKEN_ID"`
	ProxmoxTokenSecret     string `envconfig:"PROXMOX_API_TOKEN_SECRET"`
	ProxmoxNode            string `envconfig:"PROXMOX_NODE"`
	ProxmoxInsecureSkipTLS bool   `envconfig:"PROXMOX_INSECURE_SKIP_TLS" default:"false"`

	// Slack (optional; agent starts without Slack in scheduler-only mode)
	SlackBotToken         string `envconfig:"AGENT_SLACK_BOT_TOKEN"`
	SlackAppToken         string `envconfig:"AGENT_SLACK_APP_TOKEN"` // xapp- token for Socket Mode
	SlackBroadcastChannel string `envconfig:"AGENT_SLACK_BROADCAST_CHANNEL" default:"#proxmox"`

	// Google Calendar (the durable store for deletion intents)
	CalendarID              string `envconfig:"GOOGLE_CALENDAR_ID"`
	CalendarCredentialsFile string `envconfig:"GOOGLE_CREDENTIALS_FILE"`

	// LLM classifier (optional; without it only confirm/cancel replies work)
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `envconfig:"ANTHROPIC_MODEL" default:"claude-sonnet-4-5"`

	// Scheduler
	CheckInterval  time.Duration `envconfig:"CHECK_INTERVAL" default:"5m"`
	ErrorBackoff   time.Duration `envconfig:"ERROR_BACKOFF" default:"60s"`
	ReminderWindow time.Duration `envconfig:"REMINDER_WINDOW" default:"24h"`
	DeletionDelay  time.Duration `envconfig:"DELETION_DELAY" default:"48h"`
	CallTimeout    time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
	ShutdownGrace  time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`

	// Confirmations
	ConfirmationMaxAge time.Duration `envconfig:"CONFIRMATION_MAX_AGE" default:"1h"`
	ConfirmationSweep  time.Duration `envconfig:"CONFIRMATION_SWEEP" default:"10m"`

	// Management API
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAPIKey     string `envconfig:"MGMT_API_KEY"`
}

// Overlay is the YAML-file subset of Config. Only tuning knobs are
// overridable from file; credentials stay in the environment.
type Overlay struct {
	LogLevel           string         `yaml:"log_level"`
	CheckInterval      *time.Duration `yaml:"check_interval"`
	ErrorBackoff       *time.Duration `yaml:"error_backoff"`
	ReminderWindow     *time.Duration `yaml:"reminder_window"`
	DeletionDelay      *time.Duration `yaml:"deletion_delay"`
	CallTimeout        *time.Duration `yaml:"call_timeout"`
	ConfirmationMaxAge *time.Duration `yaml:"confirmation_max_age"`
	BroadcastChannel   string         `yaml:"broadcast_channel"`
}

// SlackEnabled returns true if Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// ClassifierEnabled returns true if the LLM classifier is configured.
func (c *Config) ClassifierEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// Validate checks that everything the core needs is present. Any error it
// returns is fatal at startup; nothing here is retried per-cycle.
func (c *Config) Validate() error {
	if c.ProxmoxAPIURL == "" {
		return perrors.NewConfigError("PROXMOX_API_URL", "is required")
	}
	if c.ProxmoxTokenID == "" || c.ProxmoxTokenSecret == "" {
		return perrors.NewConfigError("PROXMOX_API_TOKEN_ID", "token id and secret are required")
	}
	if c.ProxmoxNode == "" {
		return perrors.NewConfigError("PROXMOX_NODE", "is required")
	}
	if c.CalendarID == "" {
		return perrors.NewConfigError("GOOGLE_CALENDAR_ID", "is required")
	}
	if c.CalendarCredentialsFile == "" {
		return perrors.NewConfigError("GOOGLE_CREDENTIALS_FILE", "is required")
	}
	if c.CheckInterval <= 0 {
		return perrors.NewConfigError("CHECK_INTERVAL", "must be positive")
	}
	if c.ReminderWindow <= 0 {
		return perrors.NewConfigError("REMINDER_WINDOW", "must be positive")
	}
	if c.DeletionDelay < c.ReminderWindow {
		return perrors.NewConfigError("DELETION_DELAY", "must not be shorter than REMINDER_WINDOW")
	}
	if !strings.HasPrefix(c.SlackBroadcastChannel, "#") && !strings.HasPrefix(c.SlackBroadcastChannel, "C") {
		return perrors.NewConfigError("AGENT_SLACK_BROADCAST_CHANNEL", "must be a #name or channel ID")
	}
	return nil
}

// Load reads configuration from environment variables and, if
// AGENT_CONFIG_FILE is set, applies the YAML overlay on top.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyOverlay(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return perrors.NewConfigError("AGENT_CONFIG_FILE", err.Error())
	}
	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return perrors.NewConfigError("AGENT_CONFIG_FILE", fmt.Sprintf("parsing %s: %v", path, err))
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}
	if ov.CheckInterval != nil {
		c.CheckInterval = *ov.CheckInterval
	}
	if ov.ErrorBackoff != nil {
		c.ErrorBackoff = *ov.ErrorBackoff
	}
	if ov.ReminderWindow != nil {
		c.ReminderWindow = *ov.ReminderWindow
	}
	if ov.DeletionDelay != nil {
		c.DeletionDelay = *ov.DeletionDelay
	}
	if ov.CallTimeout != nil {
		c.CallTimeout = *ov.CallTimeout
	}
	if ov.ConfirmationMaxAge != nil {
		c.ConfirmationMaxAge = *ov.ConfirmationMaxAge
	}
	if ov.BroadcastChannel != "" {
		c.SlackBroadcastChannel = ov.BroadcastChannel
	}
	return nil
}

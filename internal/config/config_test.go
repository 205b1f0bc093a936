package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		ProxmoxAPIURL:           "https://pve.example.com:8006/api2/json",
		ProxmoxTokenID:          "agent@pam!scheduler",
		ProxmoxTokenSecret:      "secret",
		ProxmoxNode:             "pve1",
		CalendarID:              "primary",
		CalendarCredentialsFile: "/etc/agent/sa.json",
		SlackBroadcastChannel:   "#proxmox",
		CheckInterval:           5 * time.Minute,
		ErrorBackoff:            time.Minute,
		ReminderWindow:          24 * time.Hour,
		DeletionDelay:           48 * time.Hour,
		CallTimeout:             30 * time.Second,
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_MissingProxmox(t *testing.T) {
	cfg := validConfig()
	cfg.ProxmoxAPIURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROXMOX_API_URL")
}

func TestValidate_MissingCalendar(t *testing.T) {
	cfg := validConfig()
	cfg.CalendarID = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_CALENDAR_ID")
}

func TestValidate_DeletionDelayShorterThanReminder(t *testing.T) {
	cfg := validConfig()
	cfg.DeletionDelay = 12 * time.Hour
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DELETION_DELAY")
}

func TestValidate_BadBroadcastChannel(t *testing.T) {
	cfg := validConfig()
	cfg.SlackBroadcastChannel = "proxmox"
	assert.Error(t, cfg.Validate())
}

func TestSlackEnabled(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.SlackEnabled())

	cfg.SlackBotToken = "xoxb-123"
	assert.False(t, cfg.SlackEnabled())

	cfg.SlackAppToken = "xapp-123"
	assert.True(t, cfg.SlackEnabled())
}

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 5*time.Minute, cfg.CheckInterval)
	assert.Equal(t, time.Minute, cfg.ErrorBackoff)
	assert.Equal(t, 24*time.Hour, cfg.ReminderWindow)
	assert.Equal(t, 48*time.Hour, cfg.DeletionDelay)
	assert.Equal(t, time.Hour, cfg.ConfirmationMaxAge)
	assert.Equal(t, "#proxmox", cfg.SlackBroadcastChannel)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"log_level: debug\ncheck_interval: 1m\nbroadcast_channel: \"#infra\"\n"), 0o600))

	t.Setenv("AGENT_CONFIG_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.CheckInterval)
	assert.Equal(t, "#infra", cfg.SlackBroadcastChannel)
	// Untouched by overlay
	assert.Equal(t, 48*time.Hour, cfg.DeletionDelay)
}

func TestLoad_BadOverlayFile(t *testing.T) {
	os.Clearenv()
	t.Setenv("AGENT_CONFIG_FILE", "/nonexistent/agent.yaml")
	_, err := Load()
	assert.Error(t, err)
}

// Package config loads Doorman configuration from YAML with environment
// variable expansion, .env files and OS keyring fallback for secrets.
//
// Priority for resolving secrets:
//  1. Environment variable (TELEGRAM_BOT_TOKEN, DISCORD_BOT_TOKEN, ...)
//  2. OS keyring (service "doorman")
//  3. config.yaml value (least secure — plaintext on disk)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/gateway"
	"github.com/doorman-ai/doorman/pkg/doorman/relay"
	"github.com/doorman-ai/doorman/pkg/doorman/trust"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "doorman"

// Config is the root Doorman configuration.
type Config struct {
	// DatabasePath is the SQLite file holding trust lists, audit events
	// and daily counters.
	DatabasePath string `yaml:"database_path"`

	// Gate tunes the admission gate.
	Gate GateConfig `yaml:"gate"`

	// AuditRetentionDays bounds how long audit events are kept.
	AuditRetentionDays int `yaml:"audit_retention_days"`

	// Channels holds per-platform connector settings.
	Channels ChannelsConfig `yaml:"channels"`

	// Relay configures the assistant backend.
	Relay relay.Config `yaml:"relay"`

	// Gateway configures the HTTP admin API.
	Gateway gateway.Config `yaml:"gateway"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// GateConfig mirrors trust.GateConfig with YAML-friendly units.
type GateConfig struct {
	WindowMinutes      int  `yaml:"window_minutes"`
	ViolationThreshold int  `yaml:"violation_threshold"`
	PendingCap         int  `yaml:"pending_cap"`
	CountCapacityDrops bool `yaml:"count_capacity_drops"`
}

// ChannelsConfig holds per-channel connector settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// WhatsAppConfig configures the WhatsApp connector.
type WhatsAppConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// TelegramConfig configures the Telegram connector.
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	AllowedChats []int64 `yaml:"allowed_chats"`
}

// DiscordConfig configures the Discord connector.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// Default returns a config with sensible defaults for a local install.
func Default() *Config {
	return &Config{
		DatabasePath:       "doorman.db",
		AuditRetentionDays: 90,
		Gate: GateConfig{
			WindowMinutes:      10,
			ViolationThreshold: 3,
			PendingCap:         trust.DefaultPendingCap,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{Enabled: true, DatabasePath: "whatsapp-session.db"},
			Telegram: TelegramConfig{Enabled: true},
			Discord:  DiscordConfig{Enabled: true},
		},
		Relay: relay.Config{
			Model:   "gpt-4o-mini",
			Timeout: "90s",
		},
		Gateway: gateway.Config{
			Address: "127.0.0.1:8090",
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path (or defaults when path is empty or
// missing), loads .env files, expands ${VAR} references and applies
// environment overrides.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else {
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	resolveSecrets(cfg)
	cfg.clamp()
	return cfg, nil
}

// FindConfigFile returns the first existing config path from the usual
// locations, or "" if none exists.
func FindConfigFile() string {
	candidates := []string{"doorman.yaml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "doorman", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// GateSettings converts the YAML-level gate settings to trust.GateConfig.
func (c *Config) GateSettings() trust.GateConfig {
	return trust.GateConfig{
		Window:             time.Duration(c.Gate.WindowMinutes) * time.Minute,
		Threshold:          c.Gate.ViolationThreshold,
		CountCapacityDrops: c.Gate.CountCapacityDrops,
	}
}

// loadEnvFiles loads .env files from the working directory. Existing
// environment variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with their
// environment values. Unset variables without a default keep the
// placeholder so a missing secret is visible rather than silently empty.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if def != "" {
			return def
		}
		return match
	})
}

// applyEnvOverrides lets environment variables override file settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOORMAN_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("UNKNOWN_AUTOBLOCK_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gate.WindowMinutes = n
		}
	}
	if v := os.Getenv("UNKNOWN_AUTOBLOCK_VIOLATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gate.ViolationThreshold = n
		}
	}
	if v := os.Getenv("PENDING_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gate.PendingCap = n
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Relay.APIKey = v
	}
	if v := os.Getenv("DOORMAN_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("DOORMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// resolveSecrets drops unexpanded ${VAR} placeholders and fills missing
// secrets from the OS keyring.
func resolveSecrets(cfg *Config) {
	cfg.Channels.Telegram.Token = sanitizeSecret(cfg.Channels.Telegram.Token)
	cfg.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token)
	cfg.Relay.APIKey = sanitizeSecret(cfg.Relay.APIKey)
	cfg.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken)

	if cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = getKeyring("telegram_bot_token")
	}
	if cfg.Channels.Discord.Token == "" {
		cfg.Channels.Discord.Token = getKeyring("discord_bot_token")
	}
	if cfg.Relay.APIKey == "" {
		cfg.Relay.APIKey = getKeyring("relay_api_key")
	}
}

// sanitizeSecret treats a value that is still an env reference (the
// variable was unset at expansion time) as absent.
func sanitizeSecret(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return ""
	}
	return value
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// getKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func getKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// clamp enforces operational floors so a bad config cannot disable the
// spam guard or the pending list.
func (c *Config) clamp() {
	if c.Gate.WindowMinutes < 1 {
		c.Gate.WindowMinutes = 1
	}
	if c.Gate.ViolationThreshold < 1 {
		c.Gate.ViolationThreshold = 1
	}
	if c.Gate.PendingCap < 1 {
		c.Gate.PendingCap = trust.DefaultPendingCap
	}
	if c.AuditRetentionDays < 1 {
		c.AuditRetentionDays = 90
	}
	if c.Relay.Timeout == "" {
		c.Relay.Timeout = "90s"
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.bookingsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Sync     ConfigSync     `toml:"sync"`
	Realtime ConfigRealtime `toml:"realtime"`
	Webhook  ConfigWebhook  `toml:"webhook"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds the account this client acts for.
type ConfigDefault struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	Role        string `toml:"role"` // "customer" or "provider"
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigSync holds local queue and reconciler settings. Durations use Go
// syntax ("2s", "5m").
type ConfigSync struct {
	DataDir      string `toml:"data_dir"`
	BaseDelay    string `toml:"base_delay"`
	MaxDelay     string `toml:"max_delay"`
	MaxAttempts  int    `toml:"max_attempts"`
	StaleAfter   string `toml:"stale_after"`
	TickInterval string `toml:"tick_interval"`
}

// ConfigRealtime selects the push transport.
type ConfigRealtime struct {
	Transport string `toml:"transport"` // "ws", "sse" or "none"
	Heartbeat string `toml:"heartbeat"`
}

// ConfigWebhook configures the push webhook receiver.
type ConfigWebhook struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// ConfigLog configures the zap logger.
type ConfigLog struct {
	Level      string `toml:"level"`
	Production bool   `toml:"production"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.bookingsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".bookingsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		case "role":
			if value != "customer" && value != "provider" {
				return fmt.Errorf("role must be customer or provider, got %q", value)
			}
			cfg.Default.Role = value
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		switch field {
		case "data_dir":
			cfg.Sync.DataDir = value
		case "base_delay":
			return setDuration(&cfg.Sync.BaseDelay, value)
		case "max_delay":
			return setDuration(&cfg.Sync.MaxDelay, value)
		case "stale_after":
			return setDuration(&cfg.Sync.StaleAfter, value)
		case "tick_interval":
			return setDuration(&cfg.Sync.TickInterval, value)
		case "max_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("max_attempts must be a positive integer, got %q", value)
			}
			cfg.Sync.MaxAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			if value != "ws" && value != "sse" && value != "none" {
				return fmt.Errorf("transport must be ws, sse or none, got %q", value)
			}
			cfg.Realtime.Transport = value
		case "heartbeat":
			return setDuration(&cfg.Realtime.Heartbeat, value)
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "webhook":
		switch field {
		case "addr":
			cfg.Webhook.Addr = value
		case "secret":
			cfg.Webhook.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "production":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("production must be true or false, got %q", value)
			}
			cfg.Log.Production = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync, realtime, webhook, log)", section)
	}
	return nil
}

func setDuration(dst *string, value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*dst = value
	return nil
}

// duration parses s, falling back to def when s is empty or invalid.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "bookingsync",
	Short: "Offline-first booking status sync",
	Long: "Command-line client for booking status changes.\n" +
		"Changes made offline are queued locally and replayed when the server is reachable.",
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

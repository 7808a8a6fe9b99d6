// Package settings loads the daemon configuration and persists the set of
// bound shortcut names between runs.
package settings

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const appDirName = "kando-integration"

// Config is the on-disk daemon configuration (config.toml).
type Config struct {
	Input   InputConfig   `toml:"input"`
	Desktop DesktopConfig `toml:"desktop"`
	Storage StorageConfig `toml:"storage"`
	Webhook WebhookConfig `toml:"webhook"`
	Events  EventsConfig  `toml:"events"`
}

type InputConfig struct {
	Backend string `toml:"backend"` // auto, mutter or x11
	Display string `toml:"display"` // X11 display for the x11 backend, "" = $DISPLAY
}

type DesktopConfig struct {
	WindowSource string `toml:"window_source"` // focused-window or x11
	Display      string `toml:"display"`
}

type StorageConfig struct {
	Backend     string `toml:"backend"` // file, sqlite or postgres
	Path        string `toml:"path"`    // file or sqlite database path, "" = config dir default
	PostgresURL string `toml:"postgres_url"`
	History     bool   `toml:"history"` // record activations (postgres only)
}

type WebhookConfig struct {
	URL     string            `toml:"url"`
	Timeout string            `toml:"timeout"`
	Headers map[string]string `toml:"headers"`
}

type EventsConfig struct {
	ListenAddr string `toml:"listen_addr"` // e.g. 127.0.0.1:7391, "" disables the websocket stream
}

// Default configuration
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			Backend: "auto",
		},
		Desktop: DesktopConfig{
			WindowSource: "focused-window",
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Webhook: WebhookConfig{
			Timeout: "10s",
			Headers: map[string]string{},
		},
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/kando-integration (or ~/.config/...).
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDirName), nil
}

// ConfigPath returns the path to the configuration file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load loads the configuration from the TOML file at path.
// If the file doesn't exist, it creates it with default values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to the TOML file, creating its directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ApplyEnv overrides configuration values from environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("KANDO_INPUT_BACKEND"); v != "" {
		c.Input.Backend = v
	}
	if v := os.Getenv("KANDO_WINDOW_SOURCE"); v != "" {
		c.Desktop.WindowSource = v
	}
	if v := os.Getenv("KANDO_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("POSTGRES_CONNECTION_STRING"); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := os.Getenv("KANDO_WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := os.Getenv("KANDO_EVENTS_ADDR"); v != "" {
		c.Events.ListenAddr = v
	}
}

// WebhookTimeout parses Webhook.Timeout, falling back to 10s.
func (c *Config) WebhookTimeout() time.Duration {
	d, err := time.ParseDuration(c.Webhook.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Validate checks critical configuration before starting
func (c *Config) Validate() error {
	switch strings.ToLower(c.Input.Backend) {
	case "", "auto", "mutter", "x11":
	default:
		return fmt.Errorf("unknown input backend %q (want auto, mutter or x11)", c.Input.Backend)
	}

	switch strings.ToLower(c.Desktop.WindowSource) {
	case "", "focused-window", "x11":
	default:
		return fmt.Errorf("unknown window source %q (want focused-window or x11)", c.Desktop.WindowSource)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", "file", "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres storage selected but no connection string configured\n\nSet via:\n  1. POSTGRES_CONNECTION_STRING environment variable\n  2. storage.postgres_url in config.toml")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want file, sqlite or postgres)", c.Storage.Backend)
	}

	if c.Storage.History && !strings.EqualFold(c.Storage.Backend, "postgres") {
		return fmt.Errorf("storage.history requires the postgres storage backend")
	}

	if c.Webhook.URL != "" {
		if !strings.HasPrefix(c.Webhook.URL, "http://") && !strings.HasPrefix(c.Webhook.URL, "https://") {
			return fmt.Errorf("invalid webhook URL: must start with http:// or https://\n\nProvided: %s", c.Webhook.URL)
		}
		if c.Webhook.Timeout != "" {
			if _, err := time.ParseDuration(c.Webhook.Timeout); err != nil {
				return fmt.Errorf("invalid webhook timeout %q: %w", c.Webhook.Timeout, err)
			}
		}
	}

	return nil
}

// LoadEnvFile loads environment variables from a .env file
func LoadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Split on first '=' sign
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Variables already set in the environment win
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, value)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	return nil
}

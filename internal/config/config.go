package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string           `yaml:"log_level"`
	Bluetooth    BluetoothConfig  `yaml:"bluetooth"`
	KnownDevices []string         `yaml:"known_devices"`
	Store        StoreConfig      `yaml:"store"`
	Onboarding   OnboardingConfig `yaml:"onboarding"`
}

// BluetoothConfig holds radio and session timing settings.
type BluetoothConfig struct {
	PowerSource    string        `yaml:"power_source"` // "bluez" or "none"
	HCI            string        `yaml:"hci"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	RescanDelay    time.Duration `yaml:"rescan_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StoreConfig holds the event history database settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// OnboardingConfig controls how newly identified devices are handled.
type OnboardingConfig struct {
	Mode string `yaml:"mode"` // "prompt", "accept" or "ignore"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tempo3-sync")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "tempo3-sync", "events.db")

	return &Config{
		LogLevel: "info",
		Bluetooth: BluetoothConfig{
			PowerSource:    "bluez",
			HCI:            "hci0",
			SettleDelay:    1 * time.Second,
			RescanDelay:    30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		KnownDevices: []string{},
		Store: StoreConfig{
			Path: storePath,
		},
		Onboarding: OnboardingConfig{
			Mode: "prompt",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Bluetooth.PowerSource {
	case "bluez", "none":
	default:
		return fmt.Errorf("bluetooth.power_source must be \"bluez\" or \"none\", got %q", c.Bluetooth.PowerSource)
	}

	if c.Bluetooth.PowerSource == "bluez" && c.Bluetooth.HCI == "" {
		return fmt.Errorf("bluetooth.hci must not be empty when power_source is bluez")
	}

	if c.Bluetooth.SettleDelay <= 0 {
		return fmt.Errorf("bluetooth.settle_delay must be > 0")
	}
	if c.Bluetooth.RescanDelay <= 0 {
		return fmt.Errorf("bluetooth.rescan_delay must be > 0")
	}
	if c.Bluetooth.ConnectTimeout <= 0 {
		return fmt.Errorf("bluetooth.connect_timeout must be > 0")
	}

	for i, id := range c.KnownDevices {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("known_devices[%d] must not be empty", i)
		}
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	switch c.Onboarding.Mode {
	case "prompt", "accept", "ignore":
	default:
		return fmt.Errorf("onboarding.mode must be prompt, accept, or ignore, got %q", c.Onboarding.Mode)
	}

	return nil
}

// AddKnownDevice appends id to the known devices. It reports false if id
// was already present.
func (c *Config) AddKnownDevice(id string) bool {
	if slices.Contains(c.KnownDevices, id) {
		return false
	}
	c.KnownDevices = append(c.KnownDevices, id)
	return true
}

const header = "# tempo3-sync configuration\n# See known_devices for the peripherals synced on every scan.\n\n"

// Save writes the config to path, replacing any existing file. The write
// goes through a temporary file so a crash never leaves a truncated config.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(header); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := Default().Save(path); err != nil {
		return "", err
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Environment variable overrides. Credentials via env support headless use
// without a config file on disk.
const (
	EnvConfigPath            = "LRSYNC_CONFIG"
	EnvDriveClientID         = "LRSYNC_DRIVE_CLIENT_ID"
	EnvDriveClientSecret     = "LRSYNC_DRIVE_CLIENT_SECRET"
	EnvLightroomClientID     = "LRSYNC_LIGHTROOM_CLIENT_ID"
	EnvLightroomClientSecret = "LRSYNC_LIGHTROOM_CLIENT_SECRET"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal — silently ignoring a typo in a
// config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. Supports the zero-config
// first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables. The config path itself
// resolves CLI flag > LRSYNC_CONFIG > default location.
func Resolve(flagConfigPath string) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env := os.Getenv(EnvConfigPath); env != "" {
		cfgPath = env
	}

	if flagConfigPath != "" {
		cfgPath = flagConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)

	return cfg, nil
}

// applyEnv overlays credential environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDriveClientID); v != "" {
		cfg.Drive.ClientID = v
	}

	if v := os.Getenv(EnvDriveClientSecret); v != "" {
		cfg.Drive.ClientSecret = v
	}

	if v := os.Getenv(EnvLightroomClientID); v != "" {
		cfg.Lightroom.ClientID = v
	}

	if v := os.Getenv(EnvLightroomClientSecret); v != "" {
		cfg.Lightroom.ClientSecret = v
	}
}

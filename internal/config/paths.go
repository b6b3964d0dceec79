package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "lrsync"

// Config file name.
const configFileName = "config.toml"

// Ledger database file name.
const ledgerFileName = "ledger.db"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/lrsync).
// On macOS, uses ~/Library/Application Support/lrsync per Apple guidelines.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".config", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (the transfer ledger). On Linux, respects XDG_DATA_HOME (defaults to
// ~/.local/share/lrsync). On macOS, config and data share one directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".local", "share", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// DefaultConfigPath returns the full path to the config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), configFileName)
}

// ResolvedTokenDir returns the directory for token files: the config
// override if set, otherwise "tokens" under the config dir.
func (c *Config) ResolvedTokenDir() string {
	if c.TokenDir != "" {
		return c.TokenDir
	}

	return filepath.Join(DefaultConfigDir(), "tokens")
}

// ResolvedLedgerPath returns the transfer ledger database path: the config
// override if set, otherwise under the data dir.
func (c *Config) ResolvedLedgerPath() string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}

	return filepath.Join(DefaultDataDir(), ledgerFileName)
}

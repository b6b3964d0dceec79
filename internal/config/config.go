// Package config loads and validates lrsync configuration: provider OAuth
// client credentials, transfer tuning, and file locations. Precedence is
// defaults -> config file -> environment variables -> CLI flags.
package config

import (
	"fmt"
)

// Default transfer tuning values.
const (
	DefaultWorkers     = 4
	DefaultQueueDepth  = 16
	DefaultMaxAttempts = 3
	DefaultPageSize    = 100

	maxWorkers  = 64
	maxPageSize = 1000
)

// Config is the top-level configuration, mirroring the TOML file layout.
type Config struct {
	Transfers TransfersConfig `toml:"transfers"`
	Drive     ProviderConfig  `toml:"drive"`
	Lightroom ProviderConfig  `toml:"lightroom"`

	// TokenDir overrides where token files are stored. Empty means the
	// default tokens directory under the config dir.
	TokenDir string `toml:"token_dir"`

	// LedgerPath overrides the transfer ledger database location. Empty
	// means the default under the data dir.
	LedgerPath string `toml:"ledger_path"`
}

// TransfersConfig tunes the sync engine.
type TransfersConfig struct {
	// Workers is the number of concurrent fetch+upload workers.
	Workers int `toml:"workers"`

	// QueueDepth bounds the descriptor channel between enumeration and the
	// worker pool (backpressure).
	QueueDepth int `toml:"queue_depth"`

	// MaxAttempts is the per-item attempt ceiling for transient errors.
	MaxAttempts int `toml:"max_attempts"`

	// PageSize is the Drive listing page size.
	PageSize int `toml:"page_size"`
}

// ProviderConfig holds OAuth client credentials for one provider.
type ProviderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Transfers: TransfersConfig{
			Workers:     DefaultWorkers,
			QueueDepth:  DefaultQueueDepth,
			MaxAttempts: DefaultMaxAttempts,
			PageSize:    DefaultPageSize,
		},
	}
}

// Validate checks ranges on transfer tuning. Credentials are validated at
// the point of use (login) so read-only commands work without them.
func Validate(cfg *Config) error {
	t := cfg.Transfers

	if t.Workers < 1 || t.Workers > maxWorkers {
		return fmt.Errorf("transfers.workers must be between 1 and %d, got %d", maxWorkers, t.Workers)
	}

	if t.QueueDepth < 1 {
		return fmt.Errorf("transfers.queue_depth must be at least 1, got %d", t.QueueDepth)
	}

	if t.MaxAttempts < 1 {
		return fmt.Errorf("transfers.max_attempts must be at least 1, got %d", t.MaxAttempts)
	}

	if t.PageSize < 1 || t.PageSize > maxPageSize {
		return fmt.Errorf("transfers.page_size must be between 1 and %d, got %d", maxPageSize, t.PageSize)
	}

	return nil
}

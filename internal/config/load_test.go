package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
token_dir = "/tmp/tokens"
ledger_path = "/tmp/ledger.db"

[transfers]
workers = 8
queue_depth = 32
max_attempts = 5
page_size = 200

[drive]
client_id = "drive-id"
client_secret = "drive-secret"

[lightroom]
client_id = "lr-id"
client_secret = "lr-secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Transfers.Workers)
	assert.Equal(t, 32, cfg.Transfers.QueueDepth)
	assert.Equal(t, 5, cfg.Transfers.MaxAttempts)
	assert.Equal(t, 200, cfg.Transfers.PageSize)
	assert.Equal(t, "drive-id", cfg.Drive.ClientID)
	assert.Equal(t, "lr-secret", cfg.Lightroom.ClientSecret)
	assert.Equal(t, "/tmp/tokens", cfg.ResolvedTokenDir())
	assert.Equal(t, "/tmp/ledger.db", cfg.ResolvedLedgerPath())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[transfers]
workers = 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Transfers.Workers)
	assert.Equal(t, DefaultQueueDepth, cfg.Transfers.QueueDepth)
	assert.Equal(t, DefaultMaxAttempts, cfg.Transfers.MaxAttempts)
	assert.Equal(t, DefaultPageSize, cfg.Transfers.PageSize)
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	path := writeConfig(t, `
[transfers]
wrokers = 2
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"zero workers", "[transfers]\nworkers = 0\n", "transfers.workers"},
		{"too many workers", "[transfers]\nworkers = 1000\n", "transfers.workers"},
		{"zero queue depth", "[transfers]\nqueue_depth = 0\n", "transfers.queue_depth"},
		{"zero attempts", "[transfers]\nmax_attempts = 0\n", "transfers.max_attempts"},
		{"page size too large", "[transfers]\npage_size = 10000\n", "transfers.page_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, cfg.Transfers.Workers)
}

func TestResolve_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[drive]
client_id = "from-file"
`)

	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvDriveClientID, "from-env")
	t.Setenv(EnvLightroomClientSecret, "lr-env-secret")

	cfg, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Drive.ClientID)
	assert.Equal(t, "lr-env-secret", cfg.Lightroom.ClientSecret)
}

func TestResolve_FlagBeatsEnv(t *testing.T) {
	flagPath := writeConfig(t, "[transfers]\nworkers = 3\n")
	envPath := writeConfig(t, "[transfers]\nworkers = 7\n")

	t.Setenv(EnvConfigPath, envPath)

	cfg, err := Resolve(flagPath)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Transfers.Workers)
}

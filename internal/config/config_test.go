package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sse", cfg.Stream.Transport)
	assert.Equal(t, 2*time.Second, cfg.Stream.GetPollInterval())
	assert.Equal(t, 5*time.Second, cfg.Stream.GetFleetReconnect())
	assert.Equal(t, 30*time.Minute, cfg.Session.GetIdleTimeout())
	assert.Equal(t, time.Minute, cfg.Session.GetIdleCheckInterval())
	assert.Equal(t, 300*time.Second, cfg.Session.GetRefreshThreshold())
	assert.True(t, cfg.Logging.IsLogLevelValid())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backupdesk.yaml")
	content := `
api:
  base_url: https://backup.example.com/api/v1
stream:
  transport: websocket
  poll_interval_ms: 500
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("BACKUPDESK_LOGGING_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://backup.example.com/api/v1", cfg.API.BaseURL)
	assert.Equal(t, "websocket", cfg.Stream.Transport)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.GetPollInterval())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Stream.FleetIntervalSeconds)
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"UnknownTransport", "stream:\n  transport: carrier-pigeon\n"},
		{"BadBaseURL", "api:\n  base_url: not a url\n"},
		{"FileLogWithoutPath", "logging:\n  output: file\n"},
		{"UnknownBackend", "credentials:\n  backend: etcd\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "backupdesk.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backupdesk.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().API.BaseURL, cfg.API.BaseURL)
	assert.Equal(t, Default().Stream.PollIntervalMS, cfg.Stream.PollIntervalMS)
}

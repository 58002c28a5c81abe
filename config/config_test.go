package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{
		"TFNSW_API_KEY",
		"VITE_TFNSW_API_KEY",
		"TFNSW_VEHICLE_POSITIONS_URL",
		"TFNSW_TRIP_UPDATES_URL",
		"GTFSLIVE_DEV",
		"GTFSLIVE_PROXY_BASE_URL",
		"GTFSLIVE_STORAGE",
		"GTFSLIVE_POSTGRES",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 20*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 6*time.Hour, cfg.StaticTTL)
	assert.Equal(t, 6, cfg.DepartureLimit)
	assert.Equal(t, 250, cfg.StopNameBatchSize)
	assert.Equal(t, []string{
		"https://api.transport.nsw.gov.au/v1/gtfs/schedule/buses",
		"https://api.transport.nsw.gov.au/v1/gtfs/schedule/sydney-buses",
	}, cfg.StaticURLs)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
api_key: from-file
dev: true
proxy_base_url: http://localhost:5173
refresh_interval: 30s
static_ttl: 1h
departure_limit: 3
static_urls:
  - https://example.com/stops.zip
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.APIKey)
	assert.True(t, cfg.Dev)
	assert.Equal(t, "http://localhost:5173", cfg.ProxyBaseURL)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, time.Hour, cfg.StaticTTL)
	assert.Equal(t, 3, cfg.DepartureLimit)
	assert.Equal(t, []string{"https://example.com/stops.zip"}, cfg.StaticURLs)

	// Untouched values keep their defaults
	assert.Equal(t, 250, cfg.StopNameBatchSize)
	assert.Equal(t, "memory", cfg.Storage)
}

func TestLoadEnvironment(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
api_key: from-file
`)

	t.Setenv("VITE_TFNSW_API_KEY", "from-vite")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-vite", cfg.APIKey)

	// TFNSW_API_KEY takes precedence
	t.Setenv("TFNSW_API_KEY", "from-env")
	t.Setenv("TFNSW_VEHICLE_POSITIONS_URL", "https://example.com/vp")
	t.Setenv("TFNSW_TRIP_UPDATES_URL", "https://example.com/tu")
	t.Setenv("GTFSLIVE_DEV", "true")
	t.Setenv("GTFSLIVE_PROXY_BASE_URL", "http://localhost:8080")
	t.Setenv("GTFSLIVE_STORAGE", "Postgres")
	t.Setenv("GTFSLIVE_POSTGRES", "postgres://localhost/gtfslive")

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "https://example.com/vp", cfg.VehiclePositionsURL)
	assert.Equal(t, "https://example.com/tu", cfg.TripUpdatesURL)
	assert.True(t, cfg.Dev)
	assert.Equal(t, "http://localhost:8080", cfg.ProxyBaseURL)
	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, "postgres://localhost/gtfslive", cfg.PostgresURL)
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"bad_yaml", "refresh_interval: [", nil},
		{"bad_duration", "refresh_interval: soon", nil},
		{"refresh_too_fast", "refresh_interval: 10ms", nil},
		{"bad_proxy_url", "proxy_base_url: not a url", nil},
		{"no_static_urls", "static_urls: []", nil},
		{"zero_limit", "departure_limit: 0", nil},
		{"unknown_storage", "storage: mongodb", nil},
		{"postgres_without_url", "storage: postgres", nil},
		{"bad_dev_flag", "", map[string]string{"GTFSLIVE_DEV": "maybe"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidateAfterOverride(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Listen = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Listen")
}

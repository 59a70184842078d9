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
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, 4*time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, 24*time.Hour, cfg.Queue.SyncedRetention.Std())
	assert.Equal(t, ProbeManual, cfg.Network.Probe)
	assert.Equal(t, DefaultRetryInterval, cfg.Queue.RetryInterval.Std())
	assert.Equal(t, DefaultRetryMaxInterval, cfg.Queue.RetryMax.Std())
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultDBFileName), cfg.DSN())
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "fieldsync.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/srv/fieldsync", cfg.StateDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout.Std())
	assert.Equal(t, 48*time.Hour, cfg.Queue.SyncedRetention.Std())
	assert.Equal(t, 3, cfg.Queue.StuckRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.RetryInterval.Std())
	assert.Equal(t, DefaultGCSchedule, cfg.Queue.GCSchedule, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, ProbeHTTP, cfg.Network.Probe)
	assert.Equal(t, 30*time.Second, cfg.Network.Interval.Std())
	assert.Equal(t, []string{"https://maint.example.com/api/rpc", "https://repair.example.com/api/rpc"}, cfg.BaseURLs())
	assert.Equal(t, []string{"materials", "units"}, cfg.CollectionNames())
	assert.True(t, cfg.Classifier().IsMutation("ops/closeTicket"))
	require.NoError(t, cfg.Validate())

	url, method, params, err := cfg.CollectionCall("materials")
	require.NoError(t, err)
	assert.Equal(t, "https://repair.example.com/api/rpc", url)
	assert.Equal(t, "data/listMaterials", method)
	assert.JSONEq(t, `[{"active":true}]`, string(params))

	_, _, params, err = cfg.CollectionCall("units")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(params))

	_, _, _, err = cfg.CollectionCall("positions")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\nttl = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvStateDir, "/tmp/fs-state")
	t.Setenv(EnvDatabaseURL, "postgres://fieldsync@localhost/fieldsync")
	t.Setenv(EnvCacheTTL, "30m")
	t.Setenv(EnvProbe, "DNS")
	t.Setenv(EnvMutationPrefixes, "data/save,data/archive")
	t.Setenv(EnvStartOffline, "yes")
	t.Setenv(EnvStuckRetries, "9")
	t.Setenv(EnvRetryInterval, "45")

	cfg, err := Load(filepath.Join("testdata", "fieldsync.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fs-state", cfg.StateDir)
	assert.Equal(t, "postgres://fieldsync@localhost/fieldsync", cfg.DSN())
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, ProbeDNS, cfg.Network.Probe)
	assert.Equal(t, []string{"data/save", "data/archive"}, cfg.MutationPrefixes)
	assert.True(t, cfg.Network.StartOffline)
	assert.Equal(t, 9, cfg.Queue.StuckRetries)
	assert.Equal(t, 45*time.Second, cfg.Queue.RetryInterval.Std())
	assert.Error(t, cfg.Validate(), "dns probe without a server is invalid")
}

func TestConfigFileFromEnv(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join("testdata", "fieldsync.toml"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/fieldsync", cfg.StateDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty state dir", func(c *Config) { c.StateDir = "" }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"bad service url", func(c *Config) { c.Services["repair"] = "ftp://repair" }},
		{"collection without method", func(c *Config) {
			c.Services["repair"] = "https://repair.example.com"
			c.Collections["units"] = CollectionConfig{Service: "repair"}
		}},
		{"collection with unknown service", func(c *Config) {
			c.Collections["units"] = CollectionConfig{Service: "nope", Method: "data/listUnits"}
		}},
		{"http probe without url", func(c *Config) { c.Network.Probe = ProbeHTTP }},
		{"unknown probe", func(c *Config) { c.Network.Probe = "carrier-pigeon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Std())
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(text))
	assert.Error(t, d.UnmarshalText([]byte("later")))
}

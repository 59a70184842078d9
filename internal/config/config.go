// Package config loads FieldSync settings.
//
// Settings are layered: built-in defaults, then an optional TOML file, then the process
// environment (optionally seeded from a .env file), then command-line flags applied by the CLI.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/BTreeMap/FieldSync/internal/rpc"
	"github.com/BTreeMap/FieldSync/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FieldSync state data
	DefaultStateDir = "/var/lib/fieldsync"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "fieldsync.db"
	// DefaultListenAddr is where the local control API listens
	DefaultListenAddr = "127.0.0.1:8787"
	// DefaultCacheTTL is how long a refreshed reference collection stays fresh
	DefaultCacheTTL = 4 * time.Hour
	// DefaultSyncedRetention is how long delivered mutations are kept before cleanup
	DefaultSyncedRetention = 24 * time.Hour
	// DefaultRequestTimeout bounds each upstream RPC call
	DefaultRequestTimeout = 30 * time.Second
	// DefaultProbeInterval is the connectivity probe period
	DefaultProbeInterval = 15 * time.Second
	// DefaultStuckRetries is the retry count from which a mutation is reported as stuck
	DefaultStuckRetries = 5
	// DefaultGCSchedule runs synced-row cleanup at the top of every hour
	DefaultGCSchedule = "0 * * * *"
	// DefaultRetryInterval is the first delay of the online retry loop; it doubles up to
	// DefaultRetryMaxInterval while mutations keep failing
	DefaultRetryInterval    = 10 * time.Second
	DefaultRetryMaxInterval = 10 * time.Minute
	// DefaultPrefetchSchedule refreshes stale collections every half hour
	DefaultPrefetchSchedule = "*/30 * * * *"
)

// Probe kinds accepted in network.probe.
const (
	ProbeManual    = "manual"
	ProbeHTTP      = "http"
	ProbeWebSocket = "websocket"
	ProbeDNS       = "dns"
)

// Environment variable names.
const (
	EnvConfigFile       = "FIELDSYNC_CONFIG"
	EnvStateDir         = "FIELDSYNC_STATE_DIR"
	EnvDatabaseURL      = "DATABASE_URL"
	EnvDBDSN            = "FIELDSYNC_DB_DSN"
	EnvListenAddr       = "FIELDSYNC_LISTEN_ADDR"
	EnvToken            = "FIELDSYNC_TOKEN"
	EnvRequestTimeout   = "FIELDSYNC_REQUEST_TIMEOUT"
	EnvMutationPrefixes = "FIELDSYNC_MUTATION_PREFIXES"
	EnvCacheTTL         = "FIELDSYNC_CACHE_TTL"
	EnvPrefetchSchedule = "FIELDSYNC_PREFETCH_SCHEDULE"
	EnvSyncedRetention  = "FIELDSYNC_SYNCED_RETENTION"
	EnvGCSchedule       = "FIELDSYNC_GC_SCHEDULE"
	EnvStuckRetries     = "FIELDSYNC_STUCK_RETRIES"
	EnvRetryInterval    = "FIELDSYNC_RETRY_INTERVAL"
	EnvProbe            = "FIELDSYNC_PROBE"
	EnvProbeURL         = "FIELDSYNC_PROBE_URL"
	EnvProbeInterval    = "FIELDSYNC_PROBE_INTERVAL"
	EnvStartOffline     = "FIELDSYNC_START_OFFLINE"
)

// Duration is a time.Duration written as "90s" or "4h" in the config file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete FieldSync configuration.
type Config struct {
	StateDir       string   `toml:"state_dir"`
	DatabaseURL    string   `toml:"database_url"`
	ListenAddr     string   `toml:"listen_addr"`
	Token          string   `toml:"token"`
	RequestTimeout Duration `toml:"request_timeout"`

	// Services maps a service name to the base URL of its RPC endpoint.
	Services map[string]string `toml:"services"`
	// MutationPrefixes overrides the RPC method prefixes treated as mutations.
	MutationPrefixes []string `toml:"mutation_prefixes"`

	Queue       QueueConfig                 `toml:"queue"`
	Cache       CacheConfig                 `toml:"cache"`
	Network     NetworkConfig               `toml:"network"`
	Collections map[string]CollectionConfig `toml:"collections"`
}

// QueueConfig holds sync queue maintenance settings.
type QueueConfig struct {
	SyncedRetention Duration `toml:"synced_retention"`
	GCSchedule      string   `toml:"gc_schedule"`
	StuckRetries    int      `toml:"stuck_retries"`
	RetryInterval   Duration `toml:"retry_interval"`
	RetryMax        Duration `toml:"retry_max_interval"`
}

// CacheConfig holds reference cache settings.
type CacheConfig struct {
	TTL              Duration `toml:"ttl"`
	PrefetchSchedule string   `toml:"prefetch_schedule"`
}

// NetworkConfig selects the connectivity source.
type NetworkConfig struct {
	Probe        string   `toml:"probe"`
	URL          string   `toml:"url"`
	Interval     Duration `toml:"interval"`
	Timeout      Duration `toml:"timeout"`
	DNSServer    string   `toml:"dns_server"`
	DNSHost      string   `toml:"dns_host"`
	StartOffline bool     `toml:"start_offline"`
}

// CollectionConfig describes the RPC call that loads one reference collection.
type CollectionConfig struct {
	Service string      `toml:"service"`
	Method  string      `toml:"method"`
	Params  interface{} `toml:"params"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir:       DefaultStateDir,
		ListenAddr:     DefaultListenAddr,
		RequestTimeout: Duration(DefaultRequestTimeout),
		Services:       map[string]string{},
		Queue: QueueConfig{
			SyncedRetention: Duration(DefaultSyncedRetention),
			GCSchedule:      DefaultGCSchedule,
			StuckRetries:    DefaultStuckRetries,
			RetryInterval:   Duration(DefaultRetryInterval),
			RetryMax:        Duration(DefaultRetryMaxInterval),
		},
		Cache: CacheConfig{
			TTL:              Duration(DefaultCacheTTL),
			PrefetchSchedule: DefaultPrefetchSchedule,
		},
		Network: NetworkConfig{
			Probe:    ProbeManual,
			Interval: Duration(DefaultProbeInterval),
		},
		Collections: map[string]CollectionConfig{},
	}
}

// Load builds the configuration from defaults, the TOML file at path (skipped when path is
// empty) and the environment. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	slog.Debug("config.Load: configuration loaded",
		"config_file", path,
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DatabaseURL != "",
		"listen_addr", cfg.ListenAddr,
		"token_set", cfg.Token != "",
		"services", len(cfg.Services),
		"collections", len(cfg.Collections),
		"probe", cfg.Network.Probe)
	return cfg, nil
}

// mergeFile decodes the TOML file over the current values.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings with any FIELDSYNC_* variables (and DATABASE_URL) that are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvProbe); v != "" {
		c.Network.Probe = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvProbeURL); v != "" {
		c.Network.URL = v
	}
	if v := os.Getenv(EnvGCSchedule); v != "" {
		c.Queue.GCSchedule = v
	}
	if v := os.Getenv(EnvPrefetchSchedule); v != "" {
		c.Cache.PrefetchSchedule = v
	}
	if prefixes := util.ParseListEnv(EnvMutationPrefixes); prefixes != nil {
		c.MutationPrefixes = prefixes
	}

	c.RequestTimeout = Duration(util.ParseDurationEnv(EnvRequestTimeout, c.RequestTimeout.Std()))
	c.Cache.TTL = Duration(util.ParseDurationEnv(EnvCacheTTL, c.Cache.TTL.Std()))
	c.Queue.SyncedRetention = Duration(util.ParseDurationEnv(EnvSyncedRetention, c.Queue.SyncedRetention.Std()))
	c.Queue.RetryInterval = Duration(util.ParseDurationEnv(EnvRetryInterval, c.Queue.RetryInterval.Std()))
	c.Network.Interval = Duration(util.ParseDurationEnv(EnvProbeInterval, c.Network.Interval.Std()))
	c.Network.StartOffline = util.ParseBoolEnv(EnvStartOffline, c.Network.StartOffline)

	if v := os.Getenv(EnvStuckRetries); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Queue.StuckRetries = n
		} else {
			slog.Warn("Config.ApplyEnv: invalid stuck retries, keeping current value", "value", v, "current", c.Queue.StuckRetries)
		}
	}
}

// DSN returns the store DSN: DatabaseURL when set, otherwise a SQLite file in the state directory.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// BaseURLs returns the configured service base URLs, sorted.
func (c *Config) BaseURLs() []string {
	urls := make([]string, 0, len(c.Services))
	for _, u := range c.Services {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// ServiceURL returns the base URL of a named service.
func (c *Config) ServiceURL(name string) (string, bool) {
	u, ok := c.Services[name]
	return u, ok
}

// CollectionNames returns the configured collection names, sorted.
func (c *Config) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CollectionCall resolves a collection into the URL, method and JSON params of its RPC call.
func (c *Config) CollectionCall(name string) (string, string, json.RawMessage, error) {
	col, ok := c.Collections[name]
	if !ok {
		return "", "", nil, fmt.Errorf("collection %q is not configured", name)
	}
	base, ok := c.Services[col.Service]
	if !ok {
		return "", "", nil, fmt.Errorf("collection %q: unknown service %q", name, col.Service)
	}
	params := json.RawMessage(`[]`)
	if col.Params != nil {
		encoded, err := json.Marshal(col.Params)
		if err != nil {
			return "", "", nil, fmt.Errorf("collection %q: cannot encode params: %w", name, err)
		}
		params = encoded
	}
	return base, col.Method, params, nil
}

// Classifier returns the mutation classifier for the configured prefixes.
func (c *Config) Classifier() *rpc.Classifier {
	if len(c.MutationPrefixes) == 0 {
		return rpc.DefaultClassifier
	}
	return rpc.NewClassifier(c.MutationPrefixes...)
}

// Validate checks the configuration for errors a daemon could not run with.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir cannot be empty"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	for name, u := range c.Services {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("services.%s: base URL must be http(s), got %q", name, u))
		}
	}
	for _, name := range c.CollectionNames() {
		col := c.Collections[name]
		if col.Method == "" {
			errs = append(errs, fmt.Errorf("collections.%s: method cannot be empty", name))
		}
		if _, ok := c.Services[col.Service]; !ok {
			errs = append(errs, fmt.Errorf("collections.%s: unknown service %q", name, col.Service))
		}
	}
	switch c.Network.Probe {
	case ProbeManual:
	case ProbeHTTP, ProbeWebSocket:
		if c.Network.URL == "" {
			errs = append(errs, fmt.Errorf("network.url is required for the %s probe", c.Network.Probe))
		}
	case ProbeDNS:
		if c.Network.DNSServer == "" || c.Network.DNSHost == "" {
			errs = append(errs, errors.New("network.dns_server and network.dns_host are required for the dns probe"))
		}
	default:
		errs = append(errs, fmt.Errorf("network.probe must be one of manual, http, websocket, dns; got %q", c.Network.Probe))
	}
	return errors.Join(errs...)
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/FieldSync/internal/api"
	"github.com/BTreeMap/FieldSync/internal/config"
	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/netstatus"
	"github.com/BTreeMap/FieldSync/internal/notify"
	"github.com/BTreeMap/FieldSync/internal/offline"
	"github.com/BTreeMap/FieldSync/internal/refcache"
	"github.com/BTreeMap/FieldSync/internal/rpc"
	"github.com/BTreeMap/FieldSync/internal/store"
	"github.com/BTreeMap/FieldSync/internal/syncmanager"
	"github.com/BTreeMap/FieldSync/internal/syncqueue"
)

// App is the wired FieldSync component graph shared by the commands.
type App struct {
	Config      *config.Config
	Store       store.Store
	Client      *rpc.Client
	Monitor     *netstatus.Monitor
	Manual      *netstatus.ManualSource // nil unless network.probe is manual
	Queue       *syncqueue.Queue
	Interceptor *offline.Interceptor
	Cache       *refcache.Cache
	Recorder    *notify.Recorder
	Manager     *syncmanager.Manager
}

// NewApp opens the store and wires every component from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	dsn := cfg.DSN()
	if err := ensureDirectoriesExist(dsn); err != nil {
		return nil, err
	}
	st, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	online := !cfg.Network.StartOffline
	a := &App{
		Config:  cfg,
		Store:   st,
		Monitor: netstatus.NewMonitor(online),
		Client: rpc.NewClient(
			rpc.WithTimeout(cfg.RequestTimeout.Std()),
			rpc.WithToken(cfg.Token),
			rpc.WithUserAgent("FieldSync/"+Version),
		),
	}
	if cfg.Network.Probe == config.ProbeManual {
		a.Manual = netstatus.NewManualSource(online)
	}

	a.Queue = syncqueue.New(st, a.Client)
	if err := a.Queue.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialise sync queue: %w", err)
	}
	a.Interceptor = offline.NewInterceptor(a.Client, a.Queue, a.Monitor,
		offline.WithClassifier(cfg.Classifier()),
		offline.WithBaseURLs(cfg.BaseURLs()...))

	a.Cache = refcache.New(st, a.Monitor, refcache.WithTTL(cfg.Cache.TTL.Std()))
	for _, name := range cfg.CollectionNames() {
		url, method, params, err := cfg.CollectionCall(name)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.Cache.Register(name, refcache.RPCFetcher(a.Interceptor, refcache.Source{URL: url, Method: method, Params: params}))
	}

	a.Recorder = notify.NewRecorder(notify.DefaultRecorderSize, notify.SlogNotifier{})
	a.Manager = syncmanager.New(a.Queue, a.Cache, a.Monitor, a.Recorder,
		syncmanager.WithRetention(cfg.Queue.SyncedRetention.Std()),
		syncmanager.WithProgress(func(r models.SyncResult) {
			slog.Debug("App: replay progress", "synced", r.Synced, "failed", r.Failed)
		}))

	slog.Debug("NewApp: components wired",
		"store", store.DetectDSNType(dsn),
		"services", len(cfg.Services),
		"collections", len(cfg.Collections),
		"pending", a.Queue.Pending().Value())
	return a, nil
}

// Source returns the connectivity source selected by network.probe.
func (a *App) Source() (netstatus.Source, error) {
	n := a.Config.Network
	switch n.Probe {
	case config.ProbeManual:
		return a.Manual, nil
	case config.ProbeHTTP:
		return &netstatus.HTTPProbe{URL: n.URL, Interval: n.Interval.Std()}, nil
	case config.ProbeWebSocket:
		return &netstatus.WebSocketProbe{URL: n.URL, Interval: n.Interval.Std(), Timeout: n.Timeout.Std()}, nil
	case config.ProbeDNS:
		return &netstatus.DNSProbe{Server: n.DNSServer, Host: n.DNSHost, Interval: n.Interval.Std(), Timeout: n.Timeout.Std()}, nil
	default:
		return nil, fmt.Errorf("unknown probe %q", n.Probe)
	}
}

// APIDeps exposes the app through the control API.
func (a *App) APIDeps() api.Deps {
	deps := api.Deps{
		Caller:        a.Interceptor,
		Services:      a.Config.Services,
		Classifier:    a.Config.Classifier(),
		Queue:         a.Queue,
		Sync:          a.Manager,
		Cache:         a.Cache,
		Network:       a.Monitor,
		Notifications: a.Recorder,
		Notifier:      a.Recorder,
		StuckRetries:  a.Config.Queue.StuckRetries,
	}
	if a.Manual != nil {
		deps.Manual = a.Manual
	}
	return deps
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// ensureDirectoriesExist creates the parent directory of a SQLite database file.
func ensureDirectoriesExist(dsn string) error {
	if store.DetectDSNType(dsn) != store.DSNTypeSQLite {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return nil
}

// Package syncmanager orchestrates the reconnection cycle: when the network monitor reports
// that the device is back online after an offline period, the manager replays the sync queue,
// refreshes the reference cache and garbage-collects synced mutations. Only one cycle runs at
// a time; triggers that arrive while a cycle is running are ignored.
package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/netstatus"
	"github.com/BTreeMap/FieldSync/internal/notify"
	"github.com/BTreeMap/FieldSync/internal/refcache"
	"github.com/BTreeMap/FieldSync/internal/syncqueue"
)

// ErrSyncInProgress is returned by SyncNow while a cycle is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// State of the manager.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateRefreshingCache
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateRefreshingCache:
		return "refreshing_cache"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Notification texts.
const (
	MessageReconnected = "Connection restored. Syncing..."
	MessageManualSync  = "Syncing..."
)

// Replayer is the part of the sync queue the manager drives.
type Replayer interface {
	Replay(ctx context.Context, onProgress func(models.SyncResult)) (models.SyncResult, error)
	ClearSyncedItems(ctx context.Context, olderThan time.Duration) (int, error)
}

// CacheRefresher refreshes every reference collection.
type CacheRefresher interface {
	RefreshAll(ctx context.Context) refcache.Report
}

// NetworkMonitor is the part of netstatus.Monitor the manager consumes.
type NetworkMonitor interface {
	Subscribe() (<-chan netstatus.Transition, func())
	ConsumeWasOffline() bool
}

// Status is a snapshot for inspection.
type Status struct {
	State      State              `json:"state" yaml:"state"`
	LastResult *models.SyncResult `json:"lastResult,omitempty" yaml:"lastResult,omitempty"`
	LastSyncAt *time.Time         `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	LastError  string             `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// Manager runs sync cycles.
type Manager struct {
	queue     Replayer
	cache     CacheRefresher
	monitor   NetworkMonitor
	notifier  notify.Notifier
	retention time.Duration
	progress  func(models.SyncResult)
	now       func() time.Time

	state    atomic.Int32
	deferred atomic.Bool
	wg       sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention sets how long synced mutations are kept; defaults to
// syncqueue.DefaultSyncedRetention.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithProgress registers a callback invoked after every replayed mutation.
func WithProgress(fn func(models.SyncResult)) Option {
	return func(m *Manager) { m.progress = fn }
}

// New creates a manager. cache may be nil when no reference collections are configured and
// notifier may be nil to log notifications only.
func New(queue Replayer, cache CacheRefresher, monitor NetworkMonitor, notifier notify.Notifier, opts ...Option) *Manager {
	if notifier == nil {
		notifier = notify.SlogNotifier{}
	}
	m := &Manager{
		queue:     queue,
		cache:     cache,
		monitor:   monitor,
		notifier:  notifier,
		retention: syncqueue.DefaultSyncedRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Status returns the state together with the outcome of the last cycle.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.State = m.State()
	return st
}

// Run listens for connectivity transitions until ctx is cancelled. Each online transition
// that follows an offline period starts a cycle in the background.
func (m *Manager) Run(ctx context.Context) error {
	run, _ := m.Listen()
	return run(ctx)
}

// Listen subscribes to the monitor immediately and returns the loop that Run executes, so a
// caller can subscribe before attaching a connectivity source and miss no transition. stop
// drops the subscription when the loop is never run; run stops it itself.
func (m *Manager) Listen() (run func(ctx context.Context) error, stop func()) {
	transitions, cancel := m.monitor.Subscribe()
	var once sync.Once
	stop = func() { once.Do(cancel) }
	return func(ctx context.Context) error {
		defer stop()
		return m.watch(ctx, transitions)
	}, stop
}

func (m *Manager) watch(ctx context.Context, transitions <-chan netstatus.Transition) error {
	defer m.wg.Wait()

	slog.Info("Manager.Run: watching connectivity")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Manager.Run: stopping")
			return ctx.Err()
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			if !t.Online || !m.monitor.ConsumeWasOffline() {
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.reconnect(ctx)
			}()
		}
	}
}

// reconnect runs the reconnection cycle. When another cycle holds the guard the reconnection
// is deferred: the running cycle picks it up when it finishes.
func (m *Manager) reconnect(ctx context.Context) {
	for {
		_, err := m.cycle(ctx, reconnectTrigger)
		if !errors.Is(err, ErrSyncInProgress) {
			if err != nil {
				slog.Error("Manager.Run: sync cycle failed", "error", err)
			}
			return
		}
		m.deferred.Store(true)
		if m.State() != StateIdle || !m.deferred.CompareAndSwap(true, false) {
			slog.Info("Manager.Run: reconnection deferred until the running cycle finishes")
			return
		}
	}
}

// SyncNow runs a cycle immediately, regardless of the offline edge flag.
func (m *Manager) SyncNow(ctx context.Context) (models.SyncResult, error) {
	return m.cycle(ctx, trigger{start: MessageManualSync, reportFailures: true})
}

// trigger describes what a cycle does and which notices it emits. Background retries use
// replayOnly with no start notice and no failure warning.
type trigger struct {
	start          string
	reportFailures bool
	replayOnly     bool
}

var reconnectTrigger = trigger{start: MessageReconnected, reportFailures: true}

// cycle runs one guarded cycle, then any reconnection deferred while it held the guard.
func (m *Manager) cycle(ctx context.Context, tr trigger) (models.SyncResult, error) {
	result, err := m.runCycle(ctx, tr)
	if errors.Is(err, ErrSyncInProgress) {
		return result, err
	}
	for m.deferred.CompareAndSwap(true, false) {
		slog.Info("Manager.cycle: running deferred reconnection cycle")
		if _, rerr := m.runCycle(ctx, reconnectTrigger); errors.Is(rerr, ErrSyncInProgress) {
			m.deferred.Store(true)
			break
		} else if rerr != nil {
			slog.Error("Manager.cycle: deferred reconnection cycle failed", "error", rerr)
		}
	}
	return result, err
}

func (m *Manager) runCycle(ctx context.Context, tr trigger) (models.SyncResult, error) {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		return models.SyncResult{}, ErrSyncInProgress
	}
	defer m.state.Store(int32(StateIdle))

	slog.Info("Manager.cycle: starting")
	if tr.start != "" {
		m.notifier.Notify(ctx, tr.start, notify.SeverityInfo, notify.DurationInfo)
	}

	result, replayErr := m.queue.Replay(ctx, m.progress)
	if replayErr != nil {
		slog.Error("Manager.cycle: replay failed", "error", replayErr)
		m.notifier.Notify(ctx, "Synchronization failed: "+replayErr.Error(), notify.SeverityError, notify.DurationWarning)
	}
	if result.Synced > 0 {
		m.notifier.Notify(ctx, fmt.Sprintf("Synchronized %d request(s)", result.Synced),
			notify.SeveritySuccess, notify.DurationSuccess)
	}
	if result.Failed > 0 && tr.reportFailures {
		m.notifier.Notify(ctx, fmt.Sprintf("%d request(s) could not be synchronized", result.Failed),
			notify.SeverityWarning, notify.DurationWarning)
	}

	if tr.replayOnly {
		m.record(result, replayErr)
		slog.Info("Manager.cycle: replay finished", "synced", result.Synced, "failed", result.Failed)
		return result, replayErr
	}

	m.state.Store(int32(StateRefreshingCache))
	if m.cache != nil {
		report := m.cache.RefreshAll(ctx)
		slog.Info("Manager.cycle: reference cache refreshed", "loaded", len(report.Loaded), "failed", report.FailedCount())
	}

	if _, err := m.queue.ClearSyncedItems(ctx, m.retention); err != nil {
		slog.Warn("Manager.cycle: clearing synced items failed", "error", err)
	}

	m.record(result, replayErr)
	slog.Info("Manager.cycle: finished", "synced", result.Synced, "failed", result.Failed)
	return result, replayErr
}

func (m *Manager) record(result models.SyncResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now().UTC()
	m.status.LastResult = &result
	m.status.LastSyncAt = &at
	m.status.LastError = ""
	if err != nil {
		m.status.LastError = err.Error()
	}
}

package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FieldSync/internal/refcache"
)

// Component names used in the registry tallies.
const (
	ComponentSyncQueue      = "sync_queue"
	ComponentReferenceCache = "reference_cache"
)

// QueueRecoverer is implemented by syncqueue.Queue.
type QueueRecoverer interface {
	RecoverState(ctx context.Context) (int, error)
}

// QueueRecovery requeues mutations left in syncing by a crash and re-derives the pending
// counter. It must run before the first replay.
func QueueRecovery(queue QueueRecoverer) Recoverable {
	return RecoverableFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		n, err := queue.RecoverState(ctx)
		if err != nil {
			return fmt.Errorf("recover sync queue: %w", err)
		}
		registry.RecordRecovered(ComponentSyncQueue, n)
		if n > 0 {
			slog.Info("Recovered interrupted mutations", "count", n)
		}
		return nil
	})
}

// Prefetcher is implemented by refcache.Cache.
type Prefetcher interface {
	PrefetchAll(ctx context.Context) refcache.Report
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// CacheWarmup prefetches reference collections at startup when the device is online, so the
// cache is populated before the first disconnection. Individual collection failures are
// logged, not returned.
func CacheWarmup(cache Prefetcher, network OnlineChecker) Recoverable {
	return RecoverableFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		if !network.Online() {
			slog.Info("Skipping reference prefetch at startup: offline")
			return nil
		}
		report := cache.PrefetchAll(ctx)
		registry.RecordRecovered(ComponentReferenceCache, len(report.Loaded))
		if n := report.FailedCount(); n > 0 {
			slog.Warn("Some reference collections could not be cached at startup", "failed", n)
		}
		return nil
	})
}

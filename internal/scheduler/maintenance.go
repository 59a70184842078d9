package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FieldSync/internal/refcache"
)

// SyncedCleaner removes synced mutations older than a retention window.
type SyncedCleaner interface {
	ClearSyncedItems(ctx context.Context, olderThan time.Duration) (int, error)
}

// Prefetcher loads every registered reference collection.
type Prefetcher interface {
	PrefetchAll(ctx context.Context) refcache.Report
}

// GCJob removes synced mutations past retention.
func GCJob(spec string, queue SyncedCleaner, retention time.Duration) Job {
	return Job{
		Name: "queue-gc",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := queue.ClearSyncedItems(ctx, retention)
			return err
		},
	}
}

// PrefetchJob keeps reference collections warm so they are fresh when the device goes offline.
func PrefetchJob(spec string, cache Prefetcher) Job {
	return Job{
		Name: "reference-prefetch",
		Spec: spec,
		Run: func(ctx context.Context) error {
			report := cache.PrefetchAll(ctx)
			if n := report.FailedCount(); n > 0 {
				slog.Warn("PrefetchJob: some collections could not be cached", "failed", n)
			}
			return nil
		},
	}
}

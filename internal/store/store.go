// Package store provides storage backends for FieldSync.
//
// Three tables back the offline layer: sync_queue holds mutations waiting for delivery,
// reference_items holds cached reference collections (one logical table per collection)
// and cache_meta records when each collection was last refreshed. SQLite is the default
// backend; PostgreSQL and an in-memory store implement the same interfaces.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
)

// ErrStaleMutation is returned when a status transition finds the row in an unexpected
// state, e.g. another pass already claimed it or garbage collection removed it.
var ErrStaleMutation = errors.New("mutation is not in the expected state")

// Opts holds configuration shared by the SQL backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// SyncQueueRepo defines durable persistence for queued mutations.
type SyncQueueRepo interface {
	// InsertMutation stores a new row and returns its monotonically assigned ID.
	InsertMutation(ctx context.Context, m models.QueuedMutation) (int64, error)

	// GetMutation returns a single row, or nil if it does not exist.
	GetMutation(ctx context.Context, id int64) (*models.QueuedMutation, error)

	// ListMutations returns rows in insertion (id) order; created_at never affects it. An empty status lists all rows.
	ListMutations(ctx context.Context, status models.MutationStatus) ([]models.QueuedMutation, error)

	// CountMutations counts rows with the given status. An empty status counts all rows.
	CountMutations(ctx context.Context, status models.MutationStatus) (int, error)

	// MarkMutationSyncing moves a pending row to syncing.
	MarkMutationSyncing(ctx context.Context, id int64) error

	// MarkMutationSynced moves a syncing row to synced and records syncedAt.
	MarkMutationSynced(ctx context.Context, id int64, syncedAt time.Time) error

	// FailMutation moves a syncing row back to pending, increments retry_count and
	// records the failure reason.
	FailMutation(ctx context.Context, id int64, errMsg string) error

	// DeleteSyncedMutations removes synced rows whose synced_at is before cutoff.
	DeleteSyncedMutations(ctx context.Context, cutoff time.Time) (int, error)

	// RequeueSyncingMutations resets rows left in syncing by an interrupted pass back
	// to pending (crash recovery).
	RequeueSyncingMutations(ctx context.Context) (int, error)
}

// ReferenceRepo defines durable persistence for cached reference collections.
type ReferenceRepo interface {
	// GetCacheMeta returns the freshness record for a collection, or nil if none exists.
	GetCacheMeta(ctx context.Context, key string) (*models.CacheMeta, error)

	// ListCacheMeta returns all freshness records ordered by key.
	ListCacheMeta(ctx context.Context) ([]models.CacheMeta, error)

	// ListReferenceItems returns the stored items of a collection in fetch order.
	ListReferenceItems(ctx context.Context, collection string) ([]models.ReferenceItem, error)

	// ReplaceReferenceItems clears the collection, inserts items and writes meta
	// in a single transaction.
	ReplaceReferenceItems(ctx context.Context, collection string, items []models.ReferenceItem, meta models.CacheMeta) error
}

// Store is the full durable store used by FieldSync.
type Store interface {
	SyncQueueRepo
	ReferenceRepo
	Close() error
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeMemory   = "memory"
)

// DetectDSNType classifies a DSN as postgres, memory or sqlite (a file path).
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "" || trimmed == ":memory:" || trimmed == "memory":
		return DSNTypeMemory
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(trimmed, "host=") && strings.Contains(trimmed, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the backend matching the DSN type.
func Open(dsn string) (Store, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open: selecting backend", "type", kind)
	switch kind {
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	case DSNTypeSQLite:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported DSN type %q", kind)
	}
}

// Package syncqueue is the durable, ordered holding area for mutations that could not be
// sent immediately. Mutations are replayed one at a time in insertion order; a failed item
// stays pending with its retry count incremented and is attempted again on the next pass.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/rpc"
	"github.com/BTreeMap/FieldSync/internal/store"
)

// DefaultSyncedRetention is how long synced rows are kept before garbage collection.
const DefaultSyncedRetention = 24 * time.Hour

// ErrNoSender is returned by Replay when the queue was built without a transport.
var ErrNoSender = errors.New("sync queue has no sender")

// Queue manages the sync_queue table.
type Queue struct {
	repo    store.SyncQueueRepo
	sender  rpc.Caller
	pending *PendingCounter
	now     func() time.Time
	newID   func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRequestIDFunc overrides UUIDv7 request ID generation.
func WithRequestIDFunc(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// New creates a queue over repo. sender delivers replayed mutations and may be nil for
// read-only uses such as inspection from the CLI.
func New(repo store.SyncQueueRepo, sender rpc.Caller, opts ...Option) *Queue {
	q := &Queue{
		repo:    repo,
		sender:  sender,
		pending: newPendingCounter(),
		now:     time.Now,
		newID:   newRequestID,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Pending returns the observable pending counter.
func (q *Queue) Pending() *PendingCounter {
	return q.pending
}

// Init derives the pending counter from the store. Call it once after opening the store.
func (q *Queue) Init(ctx context.Context) error {
	return q.refreshCounter(ctx)
}

// RecoverState requeues rows left in syncing by an interrupted pass and re-derives the
// pending counter. It must run before the first Replay of a process.
func (q *Queue) RecoverState(ctx context.Context) (int, error) {
	n, err := q.repo.RequeueSyncingMutations(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue syncing mutations: %w", err)
	}
	if n > 0 {
		slog.Info("Queue.RecoverState: requeued interrupted mutations", "count", n)
	}
	if err := q.refreshCounter(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Enqueue stores a new pending mutation and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, url, method string, params json.RawMessage) (int64, error) {
	m := models.QueuedMutation{
		URL:       url,
		Method:    method,
		Params:    params,
		Status:    models.MutationStatusPending,
		CreatedAt: q.now().UTC(),
		RequestID: q.newID(),
	}
	id, err := q.repo.InsertMutation(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", method, err)
	}
	slog.Debug("Queue.Enqueue: mutation stored", "id", id, "method", method, "request_id", m.RequestID)
	if err := q.refreshCounter(ctx); err != nil {
		slog.Warn("Queue.Enqueue: failed to refresh pending counter", "error", err)
	}
	return id, nil
}

// GetPending returns pending mutations in replay order.
func (q *Queue) GetPending(ctx context.Context) ([]models.QueuedMutation, error) {
	return q.repo.ListMutations(ctx, models.MutationStatusPending)
}

// List returns mutations with the given status, or all of them when status is empty.
func (q *Queue) List(ctx context.Context, status models.MutationStatus) ([]models.QueuedMutation, error) {
	if status != "" && !models.IsValidMutationStatus(status) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}
	return q.repo.ListMutations(ctx, status)
}

// Stuck returns pending mutations that failed at least minRetries times. They are never
// dropped; this only surfaces them.
func (q *Queue) Stuck(ctx context.Context, minRetries int) ([]models.QueuedMutation, error) {
	pending, err := q.GetPending(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.QueuedMutation
	for _, m := range pending {
		if m.RetryCount >= minRetries {
			out = append(out, m)
		}
	}
	return out, nil
}

// Replay attempts every mutation that is pending when the pass starts, once, in order.
// Mutations enqueued during the pass wait for the next one. onProgress, if non-nil, is
// called after each attempt with the running totals.
func (q *Queue) Replay(ctx context.Context, onProgress func(models.SyncResult)) (models.SyncResult, error) {
	var result models.SyncResult
	if q.sender == nil {
		return result, ErrNoSender
	}

	pending, err := q.GetPending(ctx)
	if err != nil {
		return result, fmt.Errorf("load pending mutations: %w", err)
	}
	slog.Info("Queue.Replay: starting", "pending", len(pending))

	// Bookkeeping must land even if ctx is cancelled mid-attempt.
	bookCtx := context.WithoutCancel(ctx)

	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			slog.Warn("Queue.Replay: cancelled", "synced", result.Synced, "failed", result.Failed)
			q.refreshCounterQuietly(bookCtx)
			return result, err
		}

		if err := q.repo.MarkMutationSyncing(bookCtx, item.ID); err != nil {
			if errors.Is(err, store.ErrStaleMutation) {
				slog.Debug("Queue.Replay: skipping mutation no longer pending", "id", item.ID)
				continue
			}
			q.refreshCounterQuietly(bookCtx)
			return result, fmt.Errorf("claim mutation %d: %w", item.ID, err)
		}

		sendErr := q.send(ctx, item)
		if sendErr == nil {
			if err := q.repo.MarkMutationSynced(bookCtx, item.ID, q.now().UTC()); err != nil {
				q.refreshCounterQuietly(bookCtx)
				return result, fmt.Errorf("mark mutation %d synced: %w", item.ID, err)
			}
			result.Synced++
			slog.Debug("Queue.Replay: mutation synced", "id", item.ID, "method", item.Method)
		} else {
			if err := q.repo.FailMutation(bookCtx, item.ID, sendErr.Error()); err != nil {
				q.refreshCounterQuietly(bookCtx)
				return result, fmt.Errorf("record failure of mutation %d: %w", item.ID, err)
			}
			result.Failed++
			slog.Warn("Queue.Replay: mutation failed", "id", item.ID, "method", item.Method,
				"retry_count", item.RetryCount+1, "error", sendErr)
		}

		if onProgress != nil {
			onProgress(result)
		}
	}

	q.refreshCounterQuietly(bookCtx)
	slog.Info("Queue.Replay: finished", "synced", result.Synced, "failed", result.Failed)
	return result, nil
}

// send delivers one mutation. An RPC error object in the reply counts as a failure.
func (q *Queue) send(ctx context.Context, item models.QueuedMutation) error {
	resp, err := q.sender.Call(ctx, rpc.Request{
		URL:       item.URL,
		Method:    item.Method,
		Params:    item.Params,
		RequestID: item.RequestID,
	}, rpc.CallModeReplay)
	if err != nil {
		return err
	}
	return resp.Err()
}

// ClearSyncedItems deletes synced rows older than olderThan. Pending and syncing rows are
// never touched. A non-positive olderThan uses DefaultSyncedRetention.
func (q *Queue) ClearSyncedItems(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultSyncedRetention
	}
	cutoff := q.now().Add(-olderThan)
	n, err := q.repo.DeleteSyncedMutations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear synced items: %w", err)
	}
	if n > 0 {
		slog.Info("Queue.ClearSyncedItems: removed synced mutations", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func (q *Queue) refreshCounter(ctx context.Context) error {
	n, err := q.repo.CountMutations(ctx, models.MutationStatusPending)
	if err != nil {
		return fmt.Errorf("count pending mutations: %w", err)
	}
	q.pending.set(n)
	return nil
}

func (q *Queue) refreshCounterQuietly(ctx context.Context) {
	if err := q.refreshCounter(ctx); err != nil {
		slog.Warn("Queue.refreshCounter: failed", "error", err)
	}
}

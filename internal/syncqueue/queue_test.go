package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/rpc"
	"github.com/BTreeMap/FieldSync/internal/store"
)

// fakeClock advances by one millisecond on every reading so createdAt values are distinct.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubSender fails every call whose method is in failing.
type stubSender struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   []rpc.Request
	modes   []rpc.CallMode
	onCall  func(req rpc.Request)
}

func (s *stubSender) Call(_ context.Context, req rpc.Request, mode rpc.CallMode) (*rpc.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.modes = append(s.modes, mode)
	fail := s.failing[req.Method]
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if fail {
		return nil, fmt.Errorf("network unreachable for %s", req.Method)
	}
	return &rpc.Response{StatusCode: 200, Result: json.RawMessage(`{"ok":true}`)}, nil
}

func (s *stubSender) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

func newTestQueue(t *testing.T, sender rpc.Caller) (*Queue, *store.InMemoryStore, *fakeClock) {
	t.Helper()
	st := store.NewInMemoryStore()
	clock := newFakeClock()
	q := New(st, sender, WithClock(clock.Now))
	require.NoError(t, q.Init(context.Background()))
	return q, st, clock
}

func enqueueAll(t *testing.T, q *Queue, methods ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(methods))
	for _, m := range methods {
		id, err := q.Enqueue(context.Background(), "https://repair.example.com/api", m, json.RawMessage(`[{"n":1}]`))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestEnqueuePreservesOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, &stubSender{})
	methods := []string{"data/saveC", "data/saveA", "data/deleteB", "data/assignD", "data/saveE"}
	ids := enqueueAll(t, q, methods...)

	pending, err := q.GetPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, len(methods))
	for i, m := range pending {
		assert.Equal(t, methods[i], m.Method)
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, models.MutationStatusPending, m.Status)
		assert.Zero(t, m.RetryCount)
		assert.Nil(t, m.SyncedAt)
		assert.NotEmpty(t, m.RequestID)
	}
	assert.Equal(t, len(methods), q.Pending().Value())
}

func TestReplayOrderIgnoresClockSteps(t *testing.T) {
	sqlite, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "queue.db")))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	backends := map[string]store.SyncQueueRepo{
		"memory": store.NewInMemoryStore(),
		"sqlite": sqlite,
	}
	for name, repo := range backends {
		t.Run(name, func(t *testing.T) {
			// The clock jumps back between enqueues, as after an NTP resync.
			readings := []time.Time{time.UnixMilli(2_000_000).UTC(), time.UnixMilli(1_000_000).UTC()}
			next := 0
			clock := func() time.Time {
				now := readings[next%len(readings)]
				next++
				return now
			}
			sender := &stubSender{}
			q := New(repo, sender, WithClock(clock))
			require.NoError(t, q.Init(context.Background()))
			ids := enqueueAll(t, q, "data/saveA", "data/saveB")

			pending, err := q.GetPending(context.Background())
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, ids, []int64{pending[0].ID, pending[1].ID})
			assert.True(t, pending[1].CreatedAt.Before(pending[0].CreatedAt))

			_, err = q.Replay(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"data/saveA", "data/saveB"}, sender.methods())
		})
	}
}

func TestEnqueueStoresRequestID(t *testing.T) {
	st := store.NewInMemoryStore()
	q := New(st, nil, WithRequestIDFunc(func() string { return "fixed-id" }))
	id, err := q.Enqueue(context.Background(), "https://x/api", "data/saveVisit", nil)
	require.NoError(t, err)
	m, err := st.GetMutation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", m.RequestID)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	_, err := q.Enqueue(context.Background(), "", "data/saveVisit", nil)
	assert.ErrorIs(t, err, models.ErrEmptyURL)
	assert.Equal(t, 0, q.Pending().Value())
}

func TestReplayAllSucceed(t *testing.T) {
	sender := &stubSender{}
	q, st, _ := newTestQueue(t, sender)
	ids := enqueueAll(t, q, "data/save1", "data/save2", "data/save3")

	result, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: 3, Failed: 0}, result)
	assert.Equal(t, 0, q.Pending().Value())
	assert.Equal(t, []string{"data/save1", "data/save2", "data/save3"}, sender.methods())

	for _, mode := range sender.modes {
		assert.Equal(t, rpc.CallModeReplay, mode)
	}
	for _, id := range ids {
		m, err := st.GetMutation(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.MutationStatusSynced, m.Status)
		assert.NotNil(t, m.SyncedAt)
	}
}

func TestReplayAlternatingFailures(t *testing.T) {
	const n = 6
	sender := &stubSender{failing: map[string]bool{}}
	q, _, _ := newTestQueue(t, sender)
	var methods []string
	for i := 0; i < n; i++ {
		m := fmt.Sprintf("data/save%d", i)
		methods = append(methods, m)
		if i%2 == 1 {
			sender.failing[m] = true
		}
	}
	enqueueAll(t, q, methods...)

	result, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: n / 2, Failed: n / 2}, result)

	pending, err := q.GetPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, n/2)
	for _, m := range pending {
		assert.True(t, sender.failing[m.Method], "only failing items remain pending: %s", m.Method)
		assert.Equal(t, 1, m.RetryCount)
		assert.NotEmpty(t, m.ErrorMessage)
	}
	assert.Equal(t, n/2, q.Pending().Value())
}

func TestReplayScenarioMiddleFails(t *testing.T) {
	sender := &stubSender{failing: map[string]bool{"data/saveB": true}}
	q, st, _ := newTestQueue(t, sender)
	enqueueAll(t, q, "data/saveA", "data/saveB", "data/saveC")

	result, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: 2, Failed: 1}, result)

	pending, err := q.GetPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "data/saveB", pending[0].Method)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, models.MutationStatusPending, pending[0].Status)
	assert.Contains(t, pending[0].ErrorMessage, "network unreachable")

	syncing, err := st.CountMutations(context.Background(), models.MutationStatusSyncing)
	require.NoError(t, err)
	assert.Zero(t, syncing, "no row may be left in syncing after a pass")

	// The next pass retries B and succeeds.
	delete(sender.failing, "data/saveB")
	result, err = q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: 1}, result)
	assert.Equal(t, 0, q.Pending().Value())
}

func TestReplayRPCErrorCountsAsFailure(t *testing.T) {
	sender := rpc.CallerFunc(func(context.Context, rpc.Request, rpc.CallMode) (*rpc.Response, error) {
		return &rpc.Response{StatusCode: 200, Error: &rpc.Error{Message: "validation failed"}}, nil
	})
	q, _, _ := newTestQueue(t, sender)
	enqueueAll(t, q, "data/saveVisit")

	result, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Failed: 1}, result)
	pending, _ := q.GetPending(context.Background())
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].ErrorMessage, "validation failed")
}

func TestReplayProgress(t *testing.T) {
	sender := &stubSender{failing: map[string]bool{"data/save2": true}}
	q, _, _ := newTestQueue(t, sender)
	enqueueAll(t, q, "data/save1", "data/save2", "data/save3")

	var progress []models.SyncResult
	_, err := q.Replay(context.Background(), func(r models.SyncResult) { progress = append(progress, r) })
	require.NoError(t, err)
	assert.Equal(t, []models.SyncResult{
		{Synced: 1},
		{Synced: 1, Failed: 1},
		{Synced: 2, Failed: 1},
	}, progress)
}

func TestReplaySnapshotsPending(t *testing.T) {
	sender := &stubSender{}
	q, _, _ := newTestQueue(t, sender)
	enqueueAll(t, q, "data/save1", "data/save2")

	var once sync.Once
	sender.onCall = func(rpc.Request) {
		once.Do(func() { enqueueAll(t, q, "data/saveLate") })
	}

	result, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced, "mutation enqueued mid-pass waits for the next pass")
	assert.Equal(t, 1, q.Pending().Value())

	result, err = q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, []string{"data/save1", "data/save2", "data/saveLate"}, sender.methods())
}

func TestReplaySkipsItemsClaimedElsewhere(t *testing.T) {
	sender := &stubSender{}
	q, st, _ := newTestQueue(t, sender)
	ids := enqueueAll(t, q, "data/save1", "data/save2")

	// Another pass claimed the second row after the snapshot was taken.
	sender.onCall = func(req rpc.Request) {
		if req.Method == "data/save1" {
			_ = st.MarkMutationSyncing(context.Background(), ids[1])
		}
	}

	result, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: 1}, result)
	assert.Equal(t, []string{"data/save1"}, sender.methods(), "a claimed row is never sent twice")
}

func TestReplayCancelled(t *testing.T) {
	q, st, _ := newTestQueue(t, &stubSender{})
	enqueueAll(t, q, "data/save1", "data/save2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Replay(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)

	n, err := st.CountMutations(context.Background(), models.MutationStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplayWithoutSender(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	_, err := q.Replay(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestClearSyncedItemsNeverTouchesUnsynced(t *testing.T) {
	sender := &stubSender{failing: map[string]bool{"data/saveB": true}}
	q, st, clock := newTestQueue(t, sender)
	enqueueAll(t, q, "data/saveA", "data/saveB")
	_, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)

	// An old row stuck in syncing must survive too.
	stuckIDs := enqueueAll(t, q, "data/saveStuck")
	require.NoError(t, st.MarkMutationSyncing(context.Background(), stuckIDs[0]))

	clock.Advance(30 * 24 * time.Hour)
	n, err := q.ClearSyncedItems(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := q.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, m := range all {
		assert.NotEqual(t, models.MutationStatusSynced, m.Status)
	}
}

func TestClearSyncedItemsRetention(t *testing.T) {
	q, _, clock := newTestQueue(t, &stubSender{})
	enqueueAll(t, q, "data/saveA")
	_, err := q.Replay(context.Background(), nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := q.ClearSyncedItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "default retention keeps rows synced an hour ago")

	clock.Advance(DefaultSyncedRetention)
	n, err = q.ClearSyncedItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStuck(t *testing.T) {
	sender := &stubSender{failing: map[string]bool{"data/saveBad": true}}
	q, _, _ := newTestQueue(t, sender)
	enqueueAll(t, q, "data/saveBad", "data/saveGood")
	for i := 0; i < 3; i++ {
		_, err := q.Replay(context.Background(), nil)
		require.NoError(t, err)
	}
	stuck, err := q.Stuck(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "data/saveBad", stuck[0].Method)
	assert.Equal(t, 3, stuck[0].RetryCount)

	stuck, err = q.Stuck(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestRecoverState(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	first := New(st, nil)
	ids := enqueueAll(t, first, "data/save1", "data/save2")
	require.NoError(t, st.MarkMutationSyncing(ctx, ids[0]))

	// A new process over the same store.
	q := New(st, &stubSender{})
	n, err := q.RecoverState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Pending().Value())

	result, err := q.Replay(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	q, _, _ := newTestQueue(t, nil)
	_, err := q.List(context.Background(), "done")
	assert.True(t, errors.Is(err, models.ErrInvalidStatus))
}

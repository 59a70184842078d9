package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FieldSync/internal/config"
	"github.com/BTreeMap/FieldSync/internal/lockfile"
	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/store"
	"github.com/BTreeMap/FieldSync/internal/testutil"
)

const seedURL = "https://repair.example.com/api/rpc"

// isolateEnv keeps the developer's environment out of the tests.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvConfigFile, config.EnvStateDir, config.EnvDatabaseURL, config.EnvDBDSN,
		config.EnvProbe, config.EnvProbeURL, config.EnvStartOffline, config.EnvMutationPrefixes,
	} {
		t.Setenv(key, "")
	}
}

type cliEnv struct {
	stateDir string
	dsn      string
	config   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	isolateEnv(t)
	dir := t.TempDir()
	return &cliEnv{stateDir: dir, dsn: filepath.Join(dir, "fieldsync.db")}
}

func (e *cliEnv) run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	base := []string{"--state-dir", e.stateDir, "--dsn", e.dsn}
	if e.config != "" {
		base = append(base, "--config", e.config)
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(base, args...))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func (e *cliEnv) writeConfig(t *testing.T, backendURL string) {
	t.Helper()
	e.config = filepath.Join(e.stateDir, "fieldsync.toml")
	body := fmt.Sprintf(`
[services]
repair = %q

[collections.units]
service = "repair"
method = "data/listUnits"
`, backendURL)
	require.NoError(t, os.WriteFile(e.config, []byte(body), 0o600))
}

// seed inserts two pending mutations (one stuck) and one synced mutation.
func (e *cliEnv) seed(t *testing.T, url string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(e.dsn)
	require.NoError(t, err)
	defer st.Close()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	_, err = st.InsertMutation(ctx, models.QueuedMutation{
		URL: url, Method: "data/saveVisit", Params: json.RawMessage(`[{"visit":12}]`), CreatedAt: base,
	})
	require.NoError(t, err)
	_, err = st.InsertMutation(ctx, models.QueuedMutation{
		URL: url, Method: "data/deleteAttachment", CreatedAt: base.Add(5 * time.Minute),
		RetryCount: 6, ErrorMessage: "rpc error: attachment locked",
	})
	require.NoError(t, err)
	id, err := st.InsertMutation(ctx, models.QueuedMutation{
		URL: url, Method: "data/assignTechnician", CreatedAt: base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, st.MarkMutationSyncing(ctx, id))
	require.NoError(t, st.MarkMutationSynced(ctx, id, base.Add(time.Hour)))
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestQueueListGolden(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, seedURL)

	out, err := env.run(t, context.Background(), "queue", "list")
	require.NoError(t, err)
	golden(t).Assert(t, "queue_list", []byte(out))
}

func TestQueueListStuckGolden(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, seedURL)

	out, err := env.run(t, context.Background(), "queue", "list", "--stuck")
	require.NoError(t, err)
	golden(t).Assert(t, "queue_list_stuck", []byte(out))
}

func TestQueueListEmpty(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, context.Background(), "queue", "list")
	require.NoError(t, err)
	assert.Equal(t, "No queued mutations\n", out)
}

func TestQueueListJSON(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, seedURL)

	out, err := env.run(t, context.Background(), "--format", "json", "queue", "list", "--status", "pending")
	require.NoError(t, err)

	var resp struct {
		Status string                  `json:"status"`
		Data   []models.QueuedMutation `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "data/saveVisit", resp.Data[0].Method)
	assert.JSONEq(t, `[{"visit":12}]`, string(resp.Data[0].Params))
	assert.Equal(t, 6, resp.Data[1].RetryCount)
}

func TestQueueListYAML(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, seedURL)

	out, err := env.run(t, context.Background(), "--format", "yaml", "queue", "list", "--status", "synced")
	require.NoError(t, err)
	assert.Contains(t, out, "status: ok")
	assert.Contains(t, out, "data/assignTechnician")
}

func TestQueueListRejectsUnknownStatus(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, context.Background(), "queue", "list", "--status", "lost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, context.Background(), "--format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestQueueClearSynced(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, seedURL)

	out, err := env.run(t, context.Background(), "queue", "clear-synced", "--older-than", "1h")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 1 synced mutation(s) older than 1h0m0s\n", out)

	out, err = env.run(t, context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue: 2 pending, 0 syncing, 0 synced, 1 stuck")
}

func TestStatus(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, seedURL)

	out, err := env.run(t, context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue: 2 pending, 0 syncing, 1 synced, 1 stuck")
	assert.Contains(t, out, "No reference collections")
}

const unitsResponse = `{"result":{"records":[{"value":"m","label":"Metre"},{"value":"h","label":"Hour"}]}}`

// newBackend starts a fake RPC endpoint that accepts every mutation and serves one collection.
func newBackend(t *testing.T) *testutil.Backend {
	return testutil.NewBackend(t).Respond("data/listUnits", unitsResponse)
}

func TestSyncCommand(t *testing.T) {
	b := newBackend(t)

	env := newCLIEnv(t)
	env.writeConfig(t, b.URL)
	env.seed(t, b.URL)

	out, err := env.run(t, context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, "Synchronized 2 request(s), 0 failed, 0 pending\n", out)
	assert.Equal(t, []string{"data/saveVisit", "data/deleteAttachment"}, b.Replayed())

	out, err = env.run(t, context.Background(), "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "units")
	assert.Contains(t, out, "yes", "the sync cycle refreshes reference data")

	_, err = os.Stat(filepath.Join(env.stateDir, lockfile.LockFileName))
	assert.True(t, os.IsNotExist(err), "lock must be released")
}

func TestSyncCommandRefusesWhileLocked(t *testing.T) {
	env := newCLIEnv(t)
	lock, err := lockfile.AcquireLock(env.stateDir, "serve")
	require.NoError(t, err)
	defer lock.Release()

	_, err = env.run(t, context.Background(), "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "Another FieldSync instance")
}

func TestCachePrefetchAndShow(t *testing.T) {
	b := newBackend(t)

	env := newCLIEnv(t)
	env.writeConfig(t, b.URL)

	out, err := env.run(t, context.Background(), "cache", "prefetch")
	require.NoError(t, err)
	assert.Contains(t, out, "units")
	assert.Contains(t, out, "2 item(s)")
	assert.Contains(t, out, "1 loaded, 0 failed")

	// Served from the fresh cache even once the backend is gone.
	b.Close()
	out, err = env.run(t, context.Background(), "cache", "show", "units")
	require.NoError(t, err)
	assert.Equal(t, "m\tMetre\nh\tHour\n", out)

	_, err = env.run(t, context.Background(), "cache", "show", "positions")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCachePrefetchFailure(t *testing.T) {
	b := newBackend(t)
	env := newCLIEnv(t)
	env.writeConfig(t, b.URL)
	b.Close()

	out, err := env.run(t, context.Background(), "cache", "prefetch")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAILED")
}

func TestServeReplaysPendingAtStartup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var once sync.Once
	b := newBackend(t).OnReplay(func(testutil.Call) { once.Do(cancel) })

	env := newCLIEnv(t)
	env.writeConfig(t, b.URL)
	env.seed(t, b.URL)

	_, err := env.run(t, ctx, "serve", "--no-api")
	require.NoError(t, err)
	assert.NotEmpty(t, b.Replayed(), "pending mutations are replayed when the daemon starts online")

	_, err = os.Stat(filepath.Join(env.stateDir, lockfile.LockFileName))
	assert.True(t, os.IsNotExist(err), "lock must be released on shutdown")
}

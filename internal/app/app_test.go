package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfmemory "github.com/ajitpratap0/nebula-etl/pkg/changefeed/memory"
	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	cpmemory "github.com/ajitpratap0/nebula-etl/pkg/checkpoint/memory"
	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	var cfg config.Config
	require.NoError(t, config.Parse([]byte(yaml), &cfg))
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestBuildAndRunLoadsIntoFileSink(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NEBULA_ETL_TEST_DIR", dir)

	cfg := loadConfig(t, `
source:
  type: memory
  watch: true
checkpoint:
  type: sqlite
  dsn: ${NEBULA_ETL_TEST_DIR}/checkpoints.db
tasks:
  - name: orders-to-file
    tag: File ETL
    collection: orders
    transform:
      exclude: [internal]
    sink:
      type: jsonfile
      path: ${NEBULA_ETL_TEST_DIR}/out/orders.ndjson
  - name: users-to-file
    collection: users
    disabled: true
    sink:
      type: jsonfile
      path: ${NEBULA_ETL_TEST_DIR}/out/users.ndjson
`)

	ctx := testutil.TestContext(t)
	a, err := Build(ctx, cfg, nil, testutil.TestLogger(t))
	require.NoError(t, err)
	require.Len(t, a.Host.Processes(), 2)

	store, ok := a.Source.(*cfmemory.Store)
	require.True(t, ok)
	store.Put("orders", "o1", map[string]interface{}{"total": 10, "internal": "x"})
	last := store.Put("orders", "o2", map[string]interface{}{"total": 20})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	testutil.AssertEventually(t, func() bool {
		status, found, err := checkpoint.Load(ctx, a.Checkpoints, "orders-to-file")
		return err == nil && found && status.LastProcessedSequence == last
	}, 5*time.Second, "orders checkpoint never reached the last write")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	statuses, err := Statuses(ctx, a.Checkpoints, cfg.Tasks)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Found)
	assert.False(t, statuses[1].Found, "disabled task never commits")

	require.NoError(t, a.Close(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "out", "orders.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
	assert.NotContains(t, string(data), "internal")
}

func TestBuildFailsOnUnknownSink(t *testing.T) {
	cfg := loadConfig(t, `
tasks:
  - name: broken
    collection: orders
    sink:
      type: carrier-pigeon
`)

	_, err := Build(testutil.TestContext(t), cfg, nil, testutil.TestLogger(t))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}

func TestRunWithoutWatchReturnsOnCancel(t *testing.T) {
	cfg := loadConfig(t, `
tasks:
  - name: orders
    collection: orders
    sink:
      type: jsonfile
      path: `+filepath.Join(t.TempDir(), "orders.ndjson")+`
`)

	a, err := Build(testutil.TestContext(t), cfg, nil, testutil.TestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.Close(context.Background()))
}

func TestOpenRejectsUnknownTypes(t *testing.T) {
	ctx := testutil.TestContext(t)

	_, err := OpenSource(ctx, config.SourceConfig{Type: "couchdb"}, testutil.TestLogger(t))
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	_, err = OpenCheckpoints(ctx, config.CheckpointConfig{Type: "etcd"})
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}

func TestStatuses(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := cpmemory.NewStore()
	require.NoError(t, checkpoint.Save(ctx, store, checkpoint.ProcessStatus{Name: "a", LastProcessedSequence: 42}))

	statuses, err := Statuses(ctx, store, []config.ProcessConfig{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Found)
	assert.Equal(t, uint64(42), statuses[0].Status.LastProcessedSequence)
	assert.Equal(t, "b", statuses[1].Task)
	assert.False(t, statuses[1].Found)
}

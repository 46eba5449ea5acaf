package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-etl/pkg/checkpoint"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
)

func TestBuildQueries(t *testing.T) {
	q := buildQueries("etl_status")
	assert.Contains(t, q.create, `CREATE TABLE IF NOT EXISTS "etl_status"`)
	assert.Contains(t, q.get, `FROM "etl_status" WHERE key = $1`)
	assert.Contains(t, q.put, "ON CONFLICT (key) DO UPDATE")
	assert.Equal(t, `DELETE FROM "etl_status" WHERE key = $1`, q.delete)
}

// TestStore_Integration runs against a live server when NEBULA_ETL_TEST_POSTGRES is set.
func TestStore_Integration(t *testing.T) {
	dsn := testutil.EnvOrSkip(t, "NEBULA_ETL_TEST_POSTGRES")
	ctx := testutil.TestContext(t)
	s, err := Open(ctx, dsn, "etl_status_test")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, checkpoint.Save(ctx, s, checkpoint.ProcessStatus{Name: "it", LastProcessedSequence: 7}))
	status, found, err := checkpoint.Load(ctx, s, "it")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(7), status.LastProcessedSequence)

	require.NoError(t, checkpoint.Remove(ctx, s, "it"))
}

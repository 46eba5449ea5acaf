package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectQuery(t *testing.T) {
	q := selectQuery("documents", true)
	assert.Contains(t, q, `FROM "documents"`)
	assert.Contains(t, q, ", body FROM")
	assert.True(t, strings.HasSuffix(q, "ORDER BY etag"))

	q = selectQuery("tomb\"s", false)
	assert.Contains(t, q, `FROM "tomb""s"`)
	assert.NotContains(t, q, "body")
}

func TestSchemaStatements(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	stmts := schemaStatements(cfg)
	require.Len(t, stmts, 7)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "documents"`)
	assert.Contains(t, stmts[1], `CREATE TABLE IF NOT EXISTS "tombstones"`)
	assert.Contains(t, stmts[2], `pg_notify('nebula_etl_changes', NEW.collection)`)
	assert.Contains(t, stmts[4], `CREATE TRIGGER "documents_notify"`)
	assert.Contains(t, stmts[6], `ON "tombstones"`)
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'it''s'`, quoteLiteral("it's"))
	assert.Equal(t, `''`, quoteLiteral(""))
}

package sqldb

import (
	"fmt"
	"strings"
)

// Dialect renders the statements of one database flavour
type Dialect struct {
	// Driver is the database/sql driver name
	Driver string
	quote  func(string) string
	create string
	upsert string
	delete string
}

// Dialects supported by the sink, keyed by sink type
var Dialects = map[string]Dialect{
	"mysql": {
		Driver: "mysql",
		quote:  backtick,
		create: `CREATE TABLE IF NOT EXISTS %[1]s (
	%[2]s VARCHAR(255) NOT NULL PRIMARY KEY,
	sequence BIGINT UNSIGNED NOT NULL,
	document JSON NOT NULL
)`,
		// document must be assigned before sequence; MySQL evaluates SET left to right
		upsert: `INSERT INTO %[1]s (%[2]s, sequence, document) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE document = IF(sequence <= VALUES(sequence), VALUES(document), document),
	sequence = GREATEST(sequence, VALUES(sequence))`,
		delete: "DELETE FROM %[1]s WHERE %[2]s = ? AND sequence <= ?",
	},
	"sqlite": {
		Driver: "sqlite3",
		quote:  doubleQuote,
		create: `CREATE TABLE IF NOT EXISTS %[1]s (
	%[2]s TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	document TEXT NOT NULL
)`,
		upsert: `INSERT INTO %[1]s (%[2]s, sequence, document) VALUES (?, ?, ?)
ON CONFLICT(%[2]s) DO UPDATE SET sequence = excluded.sequence, document = excluded.document
WHERE sequence <= excluded.sequence`,
		delete: "DELETE FROM %[1]s WHERE %[2]s = ? AND sequence <= ?",
	},
	"snowflake": {
		Driver: "snowflake",
		quote:  doubleQuote,
		create: `CREATE TABLE IF NOT EXISTS %[1]s (
	%[2]s STRING NOT NULL PRIMARY KEY,
	sequence NUMBER(20, 0) NOT NULL,
	document VARIANT
)`,
		upsert: `MERGE INTO %[1]s t
USING (SELECT ? AS k, ? AS seq, PARSE_JSON(?) AS doc) s ON t.%[2]s = s.k
WHEN MATCHED AND t.sequence <= s.seq THEN UPDATE SET sequence = s.seq, document = s.doc
WHEN NOT MATCHED THEN INSERT (%[2]s, sequence, document) VALUES (s.k, s.seq, s.doc)`,
		delete: "DELETE FROM %[1]s WHERE %[2]s = ? AND sequence <= ?",
	},
}

type statements struct {
	create string
	upsert string
	delete string
}

func (d Dialect) statements(table, keyColumn string) statements {
	t, k := d.quote(table), d.quote(keyColumn)
	return statements{
		create: fmt.Sprintf(d.create, t, k),
		upsert: fmt.Sprintf(d.upsert, t, k),
		delete: fmt.Sprintf(d.delete, t, k),
	}
}

func backtick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func doubleQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

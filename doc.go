// Package nebula is a continuous ETL host that keeps external sinks in sync
// with the change feed of a document store.
//
// Every configured task runs as one ETL process with a single worker. An
// iteration reads the task checkpoint, merges documents and tombstones in
// sequence order, transforms them under a batch governor (item count, time
// and a growable memory ceiling), loads the result into the sink and then
// commits the last transformed sequence in a separate write transaction. A
// failed load keeps the checkpoint and arms a fallback delay; a broken
// transform stops the process and raises an alert.
//
// # Quick Start
//
// Describe the host in YAML:
//
//	source:
//	  type: mongodb
//	  uri: ${MONGO_URI}
//	  database: shop
//	  watch: true
//	checkpoint:
//	  type: sqlite
//	  dsn: /var/lib/nebula-etl/checkpoints.db
//	tasks:
//	  - name: orders-to-pg
//	    tag: SQL ETL
//	    collection: orders
//	    transform:
//	      exclude: [internal_notes]
//	    sink:
//	      type: postgres
//	      dsn: ${PG_DSN}
//
// and run it:
//
//	nebula-etl run --config etl.yaml --metrics-addr :9090
//
// # Key Packages
//
//	internal/etl     - Process, governor, extraction merge and Host
//	internal/app     - Builds a Host from configuration
//	pkg/changefeed   - Ordered change sources (memory, MongoDB, PostgreSQL)
//	pkg/checkpoint   - Process status stores (memory, SQLite, PostgreSQL)
//	pkg/transform    - Field mapping transforms
//	pkg/sink         - Sinks and fallback policies
//	pkg/config       - YAML configuration
//	pkg/nebulaerrors - Structured error handling
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus metrics
//
// # Delivery
//
// Loads are at-least-once: a crash between a load and its checkpoint commit
// re-delivers the batch. Every sink therefore writes idempotently, by
// sequence-guarded upserts, replace-by-key, insert IDs or deterministic
// object keys.
package nebula

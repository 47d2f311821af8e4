// Package storage bootstraps the control plane's own relational schema:
// the loader table (current ACTIVE + at most one draft per entity_code),
// loader_archive (append-only history), signals_history and execution_log.
// Modeled directly on lake/api/config/postgres.go's runMigrations, which
// issues idempotent CREATE TABLE/INDEX IF NOT EXISTS statements against a
// *pgxpool.Pool rather than a migration-framework.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Bootstrap creates every control-plane table and index if it does not
// already exist. Safe to call on every process start.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		sourceDatabaseTableDDL,
		loaderTableDDL,
		loaderActiveUniqueIndexDDL,
		loaderDraftUniqueIndexDDL,
		loaderArchiveTableDDL,
		loaderArchiveUniqueIndexDDL,
		signalsHistoryTableDDL,
		signalsHistoryUniqueIndexDDL,
		executionLogTableDDL,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: bootstrap: %w", err)
		}
	}
	return nil
}

// source_database is C2's registry of named upstream databases (spec.md
// §3.2: "source_code -> connection descriptor"). sourcepool.Pool.Config.Lookup
// reads from this table.
const sourceDatabaseTableDDL = `
CREATE TABLE IF NOT EXISTS source_database (
	source_code        VARCHAR(100) PRIMARY KEY,
	host                VARCHAR(255) NOT NULL,
	port                INTEGER NOT NULL,
	db_name             VARCHAR(100) NOT NULL,
	dialect             VARCHAR(20) NOT NULL CHECK (dialect IN ('postgresql', 'mysql')),
	username            VARCHAR(100) NOT NULL,
	encrypted_password  BYTEA NOT NULL,
	read_only_verified  BOOLEAN NOT NULL DEFAULT FALSE
)`

const loaderTableDDL = `
CREATE TABLE IF NOT EXISTS loader (
	id                           BIGSERIAL PRIMARY KEY,
	entity_code                  VARCHAR(50) NOT NULL,
	version_number               BIGINT NOT NULL,
	version_status               VARCHAR(20) NOT NULL CHECK (version_status IN ('ACTIVE', 'DRAFT', 'PENDING_APPROVAL')),
	parent_version_id            BIGINT,

	source_db_ref                VARCHAR(100) NOT NULL,
	sql_text                     BYTEA NOT NULL,

	min_interval_seconds         BIGINT NOT NULL,
	max_interval_seconds         BIGINT NOT NULL,
	max_query_period_seconds     BIGINT NOT NULL,
	max_parallel_executions      INTEGER NOT NULL DEFAULT 1,

	source_timezone_offset_hours INTEGER NOT NULL DEFAULT 0,

	load_status                  VARCHAR(20) NOT NULL DEFAULT 'IDLE' CHECK (load_status IN ('IDLE', 'RUNNING', 'FAILED', 'PAUSED')),
	last_load_timestamp          TIMESTAMPTZ,
	last_success_timestamp       TIMESTAMPTZ,
	failed_since                 TIMESTAMPTZ,
	consecutive_zero_record_runs INTEGER NOT NULL DEFAULT 0,

	purge_strategy               VARCHAR(20) NOT NULL CHECK (purge_strategy IN ('FAIL_ON_DUPLICATE', 'PURGE_AND_RELOAD', 'SKIP_DUPLICATES')),
	enabled                      BOOLEAN NOT NULL DEFAULT TRUE,

	created_by                   VARCHAR(100) NOT NULL,
	created_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	modified_by                  VARCHAR(100) NOT NULL,
	modified_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	approved_by                  VARCHAR(100),
	approved_at                  TIMESTAMPTZ,
	rejected_by                  VARCHAR(100),
	rejected_at                  TIMESTAMPTZ,
	rejection_reason             TEXT,
	change_type                  VARCHAR(50),
	change_summary               TEXT,
	import_label                 VARCHAR(100)
)`

// loaderActiveUniqueIndexDDL enforces "at most one ACTIVE row per
// entity_code" (spec.md §3.1, §6.1) at the database layer.
const loaderActiveUniqueIndexDDL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_loader_one_active
ON loader (entity_code)
WHERE version_status = 'ACTIVE'`

// loaderDraftUniqueIndexDDL enforces "at most one DRAFT-or-PENDING_APPROVAL
// row per entity_code" (spec.md §3.1, §6.1).
const loaderDraftUniqueIndexDDL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_loader_one_draft
ON loader (entity_code)
WHERE version_status IN ('DRAFT', 'PENDING_APPROVAL')`

const loaderArchiveTableDDL = `
CREATE TABLE IF NOT EXISTS loader_archive (
	id                BIGSERIAL PRIMARY KEY,
	entity_code       VARCHAR(50) NOT NULL,
	version_number    BIGINT NOT NULL,
	snapshot          JSONB NOT NULL,
	archived_by       VARCHAR(100) NOT NULL,
	archived_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	archive_reason    TEXT NOT NULL,
	rejected_by       VARCHAR(100),
	rejected_at       TIMESTAMPTZ,
	rejection_reason  TEXT
)`

const loaderArchiveUniqueIndexDDL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_loader_archive_entity_version
ON loader_archive (entity_code, version_number)`

// signals_history is logically partitioned by month on load_timestamp_utc
// in production (spec.md §6); partition management is an operational
// concern of the deployment, not the engine, so this bootstrap creates a
// single unpartitioned table that is wire-compatible with a partitioned
// one from the engine's point of view (it only ever INSERT/DELETE/SELECTs
// through the loader_code + time-range + segment_code key).
const signalsHistoryTableDDL = `
CREATE TABLE IF NOT EXISTS signals_history (
	loader_code        VARCHAR(50) NOT NULL,
	load_timestamp_utc TIMESTAMPTZ NOT NULL,
	segment_code       VARCHAR(100) NOT NULL,
	rec_count          BIGINT NOT NULL,
	min_val            DOUBLE PRECISION NOT NULL,
	avg_val            DOUBLE PRECISION NOT NULL,
	max_val            DOUBLE PRECISION NOT NULL,
	sum_val            DOUBLE PRECISION NOT NULL
)`

const signalsHistoryUniqueIndexDDL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_history_key
ON signals_history (loader_code, load_timestamp_utc, segment_code)`

const executionLogTableDDL = `
CREATE TABLE IF NOT EXISTS execution_log (
	id              UUID PRIMARY KEY,
	entity_code     VARCHAR(50) NOT NULL,
	version_number  BIGINT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	from_timestamp  TIMESTAMPTZ NOT NULL,
	to_timestamp    TIMESTAMPTZ NOT NULL,
	row_count       BIGINT NOT NULL,
	success         BOOLEAN NOT NULL,
	error_kind      VARCHAR(30),
	error_message   TEXT
)`

package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

const uniqueIndexName = "ux_kline_audit_key"

// legacyIndexName is the pre-market_type unique index this schema replaces.
const legacyIndexName = "ux_kline_audit_sym_iv_time"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kline_audit (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol       TEXT    NOT NULL,
	"interval"   TEXT    NOT NULL,
	market_type  TEXT    NOT NULL,
	open_time    INTEGER NOT NULL,
	open_time_dt TIMESTAMP,
	open         REAL    NOT NULL DEFAULT 0,
	high         REAL    NOT NULL DEFAULT 0,
	low          REAL    NOT NULL DEFAULT 0,
	close        REAL    NOT NULL DEFAULT 0,
	volume       REAL    NOT NULL DEFAULT 0,
	turnover     REAL    NOT NULL DEFAULT 0,
	raw_json     TEXT,
	inserted_at  TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_kline_audit_key
	ON kline_audit (symbol, "interval", market_type, open_time);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kline_audit (
	id           BIGSERIAL PRIMARY KEY,
	symbol       TEXT    NOT NULL,
	"interval"   TEXT    NOT NULL,
	market_type  TEXT    NOT NULL,
	open_time    BIGINT  NOT NULL,
	open_time_dt TIMESTAMPTZ,
	open         DOUBLE PRECISION NOT NULL DEFAULT 0,
	high         DOUBLE PRECISION NOT NULL DEFAULT 0,
	low          DOUBLE PRECISION NOT NULL DEFAULT 0,
	close        DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume       DOUBLE PRECISION NOT NULL DEFAULT 0,
	turnover     DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_json     TEXT,
	inserted_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_kline_audit_key
	ON kline_audit (symbol, "interval", market_type, open_time);
`

// ensureSchema creates the kline_audit table and its composite unique index,
// upgrading the legacy (symbol, interval, open_time) index if found.
func ensureSchema(db *sqlx.DB, driver string) error {
	var ddl string
	switch driver {
	case "sqlite3":
		ddl = sqliteSchema
	case "postgres":
		ddl = postgresSchema
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}

	if err := migrateLegacyIndex(db, driver); err != nil {
		return err
	}
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create kline_audit schema: %w", err)
	}
	return nil
}

// migrateLegacyIndex drops the older market_type-less unique index when
// present so the composite index can take over. Rows themselves need no
// rewrite: the old key is a strict subset of the new one.
func migrateLegacyIndex(db *sqlx.DB, driver string) error {
	var query string
	switch driver {
	case "sqlite3":
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`
	case "postgres":
		query = `SELECT COUNT(*) FROM pg_indexes WHERE indexname = $1`
	}

	var count int
	if err := db.Get(&count, query, legacyIndexName); err != nil {
		// Fresh database without system catalogs visible yet; nothing to do.
		return nil
	}
	if count == 0 {
		return nil
	}

	log.Info().Str("index", legacyIndexName).Msg("Migrating legacy unique index to market_type-aware key")
	if _, err := db.Exec(fmt.Sprintf("DROP INDEX IF EXISTS %s", legacyIndexName)); err != nil {
		return fmt.Errorf("failed to drop legacy index: %w", err)
	}
	return nil
}

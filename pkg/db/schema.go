package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS followers (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    api_key_encrypted TEXT DEFAULT '',
    api_secret_encrypted TEXT DEFAULT '',
    proxy TEXT DEFAULT '',
    key_version INTEGER DEFAULT 0,
    coef REAL DEFAULT 1,
    leverage INTEGER DEFAULT 0,
    margin_mode INTEGER DEFAULT 0,
    max_position_size REAL DEFAULT 0,
    random_size_pct_lo REAL DEFAULT 0,
    random_size_pct_hi REAL DEFAULT 0,
    delay_ms_lo REAL DEFAULT 0,
    delay_ms_hi REAL DEFAULT 0,
    enabled INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS master_creds (
    id INTEGER PRIMARY KEY CHECK (id = 0),
    api_key_encrypted TEXT DEFAULT '',
    api_secret_encrypted TEXT DEFAULT '',
    proxy TEXT DEFAULT '',
    key_version INTEGER DEFAULT 0,
    trading_enabled INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS position_vars (
    follower_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    pos_side TEXT NOT NULL,
    in_position INTEGER DEFAULT 0,
    qty REAL DEFAULT 0,
    entry_price REAL DEFAULT 0,
    avg_price REAL DEFAULT 0,
    leverage INTEGER DEFAULT 0,
    margin_mode INTEGER DEFAULT 0,
    entry_ts_ms INTEGER DEFAULT 0,
    state TEXT DEFAULT '',
    attached_tp REAL,
    attached_sl REAL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (follower_id, symbol, pos_side)
);

CREATE TABLE IF NOT EXISTS order_refs (
    follower_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    pos_side TEXT NOT NULL,
    master_order_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    copy_order_id TEXT NOT NULL,
    price REAL DEFAULT 0,
    trigger_price REAL DEFAULT 0,
    qty REAL DEFAULT 0,
    status TEXT DEFAULT 'OPEN',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (follower_id, symbol, pos_side, kind, master_order_id)
);

CREATE TABLE IF NOT EXISTS pnl_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    follower_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    pos_side TEXT NOT NULL,
    pnl_usdt REAL,
    entry_ts_ms INTEGER DEFAULT 0,
    exit_ts_ms INTEGER DEFAULT 0,
    err TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS manual_close_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    follower_ids TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := ensureColumn(d.DB, "followers", "key_version", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "position_vars", "state", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FollowerRow is the persisted form of a follower's config (credentials
// stay encrypted; internal/follower.Config decrypts on load).
type FollowerRow struct {
	ID                 int
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	Proxy              string
	KeyVersion         int
	Coef               float64
	Leverage           int
	MarginMode         int
	MaxPositionSize    float64
	RandomSizePctLo    float64
	RandomSizePctHi    float64
	DelayMsLo          float64
	DelayMsHi          float64
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MasterCreds is the persisted master credential row (id is always 0).
type MasterCreds struct {
	APIKeyEncrypted    string
	APISecretEncrypted string
	Proxy              string
	KeyVersion         int
	TradingEnabled     bool
	UpdatedAt          time.Time
}

// PositionVarRow mirrors internal/follower.PositionVar for persistence.
type PositionVarRow struct {
	FollowerID int
	Symbol     string
	PosSide    string
	InPosition bool
	Qty        float64
	EntryPrice float64
	AvgPrice   float64
	Leverage   int
	MarginMode int
	EntryTsMs  int64
	State      string
	AttachedTP *float64
	AttachedSL *float64
}

// OrderRefRow mirrors internal/follower.OrderRef for persistence.
type OrderRefRow struct {
	FollowerID    int
	Symbol        string
	PosSide       string
	MasterOrderID string
	Kind          string // LIMIT, TRIGGER
	CopyOrderID   string
	Price         float64
	TriggerPrice  float64
	Qty           float64
	Status        string
}

// PnLReportRow is one persisted realized-PnL report (see internal/reconcile.Report).
type PnLReportRow struct {
	ID         int64
	FollowerID int
	Symbol     string
	PosSide    string
	PnLUSDT    *float64
	EntryTsMs  int64
	ExitTsMs   int64
	Err        string
	CreatedAt  time.Time
}

// UpsertFollower inserts or fully replaces a follower's config row.
func (d *Database) UpsertFollower(ctx context.Context, f FollowerRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO followers (
			id, name, api_key_encrypted, api_secret_encrypted, proxy, key_version,
			coef, leverage, margin_mode, max_position_size,
			random_size_pct_lo, random_size_pct_hi, delay_ms_lo, delay_ms_hi,
			enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			proxy = excluded.proxy,
			key_version = excluded.key_version,
			coef = excluded.coef,
			leverage = excluded.leverage,
			margin_mode = excluded.margin_mode,
			max_position_size = excluded.max_position_size,
			random_size_pct_lo = excluded.random_size_pct_lo,
			random_size_pct_hi = excluded.random_size_pct_hi,
			delay_ms_lo = excluded.delay_ms_lo,
			delay_ms_hi = excluded.delay_ms_hi,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`, f.ID, f.Name, f.APIKeyEncrypted, f.APISecretEncrypted, f.Proxy, f.KeyVersion,
		f.Coef, f.Leverage, f.MarginMode, f.MaxPositionSize,
		f.RandomSizePctLo, f.RandomSizePctHi, f.DelayMsLo, f.DelayMsHi, f.Enabled)
	return err
}

// ListFollowers returns every configured follower, ordered by id.
func (d *Database) ListFollowers(ctx context.Context) ([]FollowerRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, name, api_key_encrypted, api_secret_encrypted, proxy, key_version,
		       coef, leverage, margin_mode, max_position_size,
		       random_size_pct_lo, random_size_pct_hi, delay_ms_lo, delay_ms_hi,
		       enabled, created_at, updated_at
		FROM followers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query followers: %w", err)
	}
	defer rows.Close()

	var out []FollowerRow
	for rows.Next() {
		var f FollowerRow
		if err := rows.Scan(&f.ID, &f.Name, &f.APIKeyEncrypted, &f.APISecretEncrypted, &f.Proxy, &f.KeyVersion,
			&f.Coef, &f.Leverage, &f.MarginMode, &f.MaxPositionSize,
			&f.RandomSizePctLo, &f.RandomSizePctHi, &f.DelayMsLo, &f.DelayMsHi,
			&f.Enabled, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFollower removes a follower and its position/order bookkeeping.
func (d *Database) DeleteFollower(ctx context.Context, id int) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"followers", "position_vars", "order_refs"} {
		col := "id"
		if table != "followers" {
			col = "follower_id"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, col), id); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// GetMasterCreds returns the singleton master credential row, or the zero
// value if none has been saved yet.
func (d *Database) GetMasterCreds(ctx context.Context) (MasterCreds, error) {
	var m MasterCreds
	err := d.DB.QueryRowContext(ctx, `
		SELECT api_key_encrypted, api_secret_encrypted, proxy, key_version, trading_enabled, updated_at
		FROM master_creds WHERE id = 0
	`).Scan(&m.APIKeyEncrypted, &m.APISecretEncrypted, &m.Proxy, &m.KeyVersion, &m.TradingEnabled, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return MasterCreds{}, nil
	}
	if err != nil {
		return MasterCreds{}, fmt.Errorf("query master_creds: %w", err)
	}
	return m, nil
}

// UpsertMasterCreds persists the singleton master credential row.
func (d *Database) UpsertMasterCreds(ctx context.Context, m MasterCreds) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO master_creds (id, api_key_encrypted, api_secret_encrypted, proxy, key_version, trading_enabled, updated_at)
		VALUES (0, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			proxy = excluded.proxy,
			key_version = excluded.key_version,
			trading_enabled = excluded.trading_enabled,
			updated_at = CURRENT_TIMESTAMP
	`, m.APIKeyEncrypted, m.APISecretEncrypted, m.Proxy, m.KeyVersion, m.TradingEnabled)
	return err
}

// UpsertPositionVar persists one (follower, symbol, pos_side) PV row.
func (d *Database) UpsertPositionVar(ctx context.Context, pv PositionVarRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO position_vars (
			follower_id, symbol, pos_side, in_position, qty, entry_price, avg_price,
			leverage, margin_mode, entry_ts_ms, state, attached_tp, attached_sl, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(follower_id, symbol, pos_side) DO UPDATE SET
			in_position = excluded.in_position,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			avg_price = excluded.avg_price,
			leverage = excluded.leverage,
			margin_mode = excluded.margin_mode,
			entry_ts_ms = excluded.entry_ts_ms,
			state = excluded.state,
			attached_tp = excluded.attached_tp,
			attached_sl = excluded.attached_sl,
			updated_at = CURRENT_TIMESTAMP
	`, pv.FollowerID, pv.Symbol, pv.PosSide, pv.InPosition, pv.Qty, pv.EntryPrice, pv.AvgPrice,
		pv.Leverage, pv.MarginMode, pv.EntryTsMs, pv.State, pv.AttachedTP, pv.AttachedSL)
	return err
}

// ListPositionVars returns every persisted PV for a follower.
func (d *Database) ListPositionVars(ctx context.Context, followerID int) ([]PositionVarRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT follower_id, symbol, pos_side, in_position, qty, entry_price, avg_price,
		       leverage, margin_mode, entry_ts_ms, state, attached_tp, attached_sl
		FROM position_vars WHERE follower_id = ?
	`, followerID)
	if err != nil {
		return nil, fmt.Errorf("query position_vars: %w", err)
	}
	defer rows.Close()

	var out []PositionVarRow
	for rows.Next() {
		var pv PositionVarRow
		if err := rows.Scan(&pv.FollowerID, &pv.Symbol, &pv.PosSide, &pv.InPosition, &pv.Qty, &pv.EntryPrice, &pv.AvgPrice,
			&pv.Leverage, &pv.MarginMode, &pv.EntryTsMs, &pv.State, &pv.AttachedTP, &pv.AttachedSL); err != nil {
			return nil, fmt.Errorf("scan position_var: %w", err)
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// UpsertOrderRef persists one outstanding copy-order reference.
func (d *Database) UpsertOrderRef(ctx context.Context, o OrderRefRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_refs (
			follower_id, symbol, pos_side, master_order_id, kind, copy_order_id,
			price, trigger_price, qty, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_id, symbol, pos_side, kind, master_order_id) DO UPDATE SET
			copy_order_id = excluded.copy_order_id,
			price = excluded.price,
			trigger_price = excluded.trigger_price,
			qty = excluded.qty,
			status = excluded.status
	`, o.FollowerID, o.Symbol, o.PosSide, o.MasterOrderID, o.Kind, o.CopyOrderID,
		o.Price, o.TriggerPrice, o.Qty, o.Status)
	return err
}

// DeleteOrderRef removes a tracked copy-order once canceled or filled.
func (d *Database) DeleteOrderRef(ctx context.Context, followerID int, symbol, posSide, kind, masterOrderID string) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM order_refs
		WHERE follower_id = ? AND symbol = ? AND pos_side = ? AND kind = ? AND master_order_id = ?
	`, followerID, symbol, posSide, kind, masterOrderID)
	return err
}

// InsertPnLReport records one realized-PnL report row.
func (d *Database) InsertPnLReport(ctx context.Context, r PnLReportRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO pnl_reports (follower_id, symbol, pos_side, pnl_usdt, entry_ts_ms, exit_ts_ms, err)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.FollowerID, r.Symbol, r.PosSide, r.PnLUSDT, r.EntryTsMs, r.ExitTsMs, r.Err)
	return err
}

// ListPnLReports returns the most recent reports for a follower, newest first.
func (d *Database) ListPnLReports(ctx context.Context, followerID, limit int) ([]PnLReportRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, follower_id, symbol, pos_side, pnl_usdt, entry_ts_ms, exit_ts_ms, err, created_at
		FROM pnl_reports WHERE follower_id = ?
		ORDER BY id DESC LIMIT ?
	`, followerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pnl_reports: %w", err)
	}
	defer rows.Close()

	var out []PnLReportRow
	for rows.Next() {
		var r PnLReportRow
		if err := rows.Scan(&r.ID, &r.FollowerID, &r.Symbol, &r.PosSide, &r.PnLUSDT, &r.EntryTsMs, &r.ExitTsMs, &r.Err, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pnl_report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogManualClose records an operator-issued manual close command.
func (d *Database) LogManualClose(ctx context.Context, followerIDsCSV string, tsMs int64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO manual_close_log (follower_ids, ts_ms) VALUES (?, ?)
	`, followerIDsCSV, tsMs)
	return err
}

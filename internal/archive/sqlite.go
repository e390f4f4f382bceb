// Package archive is the cold store: terminal orders and executed
// trades land in sqlite, and full exchange snapshots are persisted with
// a checksum for crash recovery.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"virtual_exchange/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	symbol          TEXT    NOT NULL,
	order_id        INTEGER NOT NULL,
	user_id         TEXT    NOT NULL,
	client_order_id TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL,
	order_time      INTEGER NOT NULL,
	update_time     INTEGER NOT NULL,
	data            TEXT    NOT NULL,
	PRIMARY KEY (symbol, order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (symbol, user_id, order_id);
CREATE INDEX IF NOT EXISTS idx_orders_client ON orders (symbol, user_id, client_order_id);

CREATE TABLE IF NOT EXISTS trades (
	symbol       TEXT    NOT NULL,
	trade_id     INTEGER NOT NULL,
	buy_user_id  TEXT    NOT NULL,
	sell_user_id TEXT    NOT NULL,
	trade_time   INTEGER NOT NULL,
	data         TEXT    NOT NULL,
	PRIMARY KEY (symbol, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trades_buyer  ON trades (symbol, buy_user_id, trade_id);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades (symbol, sell_user_id, trade_id);

CREATE TABLE IF NOT EXISTS snapshot (
	id         INTEGER PRIMARY KEY,
	data       TEXT    NOT NULL,
	checksum   BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteArchive implements core.IOrderArchive and core.IStateStore on a
// single sqlite file in WAL mode.
type SQLiteArchive struct {
	db     *sql.DB
	logger core.ILogger
}

var (
	_ core.IOrderArchive = (*SQLiteArchive)(nil)
	_ core.IStateStore   = (*SQLiteArchive)(nil)
)

// NewSQLiteArchive opens or creates the archive database.
func NewSQLiteArchive(dbPath string, logger core.ILogger) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}

	return &SQLiteArchive{
		db:     db,
		logger: logger.WithField("component", "archive"),
	}, nil
}

// Close releases the database handle.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// SaveOrder upserts one order. The row carries the queryable columns;
// the full order travels as a JSON blob.
func (a *SQLiteArchive) SaveOrder(o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order %d: %w", o.OrderID, err)
	}
	_, err = a.db.Exec(
		`INSERT OR REPLACE INTO orders
		 (symbol, order_id, user_id, client_order_id, status, order_time, update_time, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Symbol, o.OrderID, o.UserID, o.ClientOrderID, string(o.Status),
		o.Time, o.UpdateTime, string(data))
	if err != nil {
		return fmt.Errorf("failed to write order %d: %w", o.OrderID, err)
	}
	return nil
}

// SaveTrade inserts one trade. Trade ids never repeat, so a conflict
// means a replayed write and is ignored.
func (a *SQLiteArchive) SaveTrade(t *core.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %d: %w", t.TradeID, err)
	}
	_, err = a.db.Exec(
		`INSERT OR IGNORE INTO trades
		 (symbol, trade_id, buy_user_id, sell_user_id, trade_time, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.TradeID, t.BuyUserID, t.SellUserID, t.Timestamp, string(data))
	if err != nil {
		return fmt.Errorf("failed to write trade %d: %w", t.TradeID, err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.Order, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	var o core.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// GetOrder returns the archived order, nil when absent.
func (a *SQLiteArchive) GetOrder(symbol string, orderID int64) (*core.Order, error) {
	row := a.db.QueryRow(
		`SELECT data FROM orders WHERE symbol = ? AND order_id = ?`, symbol, orderID)
	return scanOrder(row)
}

// GetOrderByClientID returns the newest archived order carrying the
// client order id, nil when absent. Client ids recycle once an order
// reaches a terminal state, so newest wins.
func (a *SQLiteArchive) GetOrderByClientID(symbol, userID, clientID string) (*core.Order, error) {
	row := a.db.QueryRow(
		`SELECT data FROM orders
		 WHERE symbol = ? AND user_id = ? AND client_order_id = ?
		 ORDER BY order_id DESC LIMIT 1`,
		symbol, userID, clientID)
	return scanOrder(row)
}

// UserOrders returns the user's archived orders ascending by order id.
func (a *SQLiteArchive) UserOrders(symbol, userID string, fromID, startTime, endTime int64, limit int) ([]*core.Order, error) {
	query := `SELECT data FROM orders WHERE symbol = ? AND user_id = ?`
	args := []interface{}{symbol, userID}
	if fromID > 0 {
		query += ` AND order_id >= ?`
		args = append(args, fromID)
	}
	if startTime > 0 {
		query += ` AND order_time >= ?`
		args = append(args, startTime)
	}
	if endTime > 0 {
		query += ` AND order_time <= ?`
		args = append(args, endTime)
	}
	query += ` ORDER BY order_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (a *SQLiteArchive) queryTrades(query string, args ...interface{}) ([]*core.Trade, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []*core.Trade
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to read trade: %w", err)
		}
		var t core.Trade
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UserTrades returns trades where the user was either side, ascending
// by trade id.
func (a *SQLiteArchive) UserTrades(symbol, userID string, fromID, startTime, endTime int64, limit int) ([]*core.Trade, error) {
	query := `SELECT data FROM trades WHERE symbol = ? AND (buy_user_id = ? OR sell_user_id = ?)`
	args := []interface{}{symbol, userID, userID}
	if fromID > 0 {
		query += ` AND trade_id >= ?`
		args = append(args, fromID)
	}
	if startTime > 0 {
		query += ` AND trade_time >= ?`
		args = append(args, startTime)
	}
	if endTime > 0 {
		query += ` AND trade_time <= ?`
		args = append(args, endTime)
	}
	query += ` ORDER BY trade_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return a.queryTrades(query, args...)
}

// SymbolTrades returns the symbol's trade history regardless of owner,
// ascending by trade id. Serves the historical-trades endpoint.
func (a *SQLiteArchive) SymbolTrades(symbol string, fromID int64, limit int) ([]*core.Trade, error) {
	query := `SELECT data FROM trades WHERE symbol = ?`
	args := []interface{}{symbol}
	if fromID > 0 {
		query += ` AND trade_id >= ?`
		args = append(args, fromID)
	}
	query += ` ORDER BY trade_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return a.queryTrades(query, args...)
}

// Purge deletes terminal orders and trades older than the cutoff.
// Returns the number of rows removed.
func (a *SQLiteArchive) Purge(before int64) (int64, error) {
	var total int64
	res, err := a.db.Exec(
		`DELETE FROM orders WHERE update_time < ? AND status IN
		 ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED', 'EXPIRED_IN_MATCH')`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge orders: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = a.db.Exec(`DELETE FROM trades WHERE trade_time < ?`, before)
	if err != nil {
		return total, fmt.Errorf("failed to purge trades: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	if total > 0 {
		a.logger.Info("archive purged", "rows", total, "before", before)
	}
	return total, nil
}

// SaveSnapshot persists the exchange snapshot atomically with a
// sha256 checksum.
func (a *SQLiteArchive) SaveSnapshot(ctx context.Context, snap *core.Snapshot) error {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Round-trip check before committing
	var probe core.Snapshot
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshot (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`,
		string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot returns the stored snapshot, nil when none exists.
// A checksum mismatch fails the load rather than returning corrupt
// state.
func (a *SQLiteArchive) LoadSnapshot(ctx context.Context) (*core.Snapshot, error) {
	var data string
	var stored []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM snapshot WHERE id = 1`).Scan(&data, &stored)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(stored, computed[:]) {
		return nil, fmt.Errorf("snapshot checksum verification failed: data corruption detected")
	}

	var snap core.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

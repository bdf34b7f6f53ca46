package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/gregtusar/tradepipe/pkg/models"
)

// SQLiteStore keeps state in one SQLite file. WAL journaling with
// synchronous=FULL makes every commit durable before it returns; busy_timeout
// lets writers from other processes queue instead of failing.
type SQLiteStore struct {
	db *sql.DB
}

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS positions (
	namespace  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, symbol)
)`, `
CREATE TABLE IF NOT EXISTS applied_fills (
	namespace  TEXT NOT NULL,
	fill_id    TEXT NOT NULL,
	applied_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, fill_id)
)`, `
CREATE TABLE IF NOT EXISTS run_locks (
	lock_key   TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL,
	token      TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS pending_fills (
	namespace  TEXT NOT NULL,
	fill_id    TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	size       REAL NOT NULL,
	price      REAL NOT NULL,
	mode       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, fill_id)
)`}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Position(ctx context.Context, namespace, symbol string) (float64, error) {
	var qty float64
	err := s.db.QueryRowContext(ctx,
		"SELECT quantity FROM positions WHERE namespace = ? AND symbol = ?",
		namespace, symbol,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read position %s/%s: %w", namespace, symbol, err)
	}
	return qty, nil
}

func (s *SQLiteStore) Positions(ctx context.Context, namespace string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT symbol, quantity FROM positions WHERE namespace = ? ORDER BY symbol",
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var sym string
		var qty float64
		if err := rows.Scan(&sym, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out[sym] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ApplyDeltas(ctx context.Context, namespace string, deltas []Delta) (map[string]float64, error) {
	out := make(map[string]float64, len(deltas))
	if len(deltas) == 0 {
		return out, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, d := range lockOrder(deltas) {
		if d.FillID != "" {
			res, err := tx.ExecContext(ctx,
				"INSERT INTO applied_fills (namespace, fill_id, applied_at) VALUES (?, ?, ?) ON CONFLICT(namespace, fill_id) DO NOTHING",
				namespace, d.FillID, now,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to record fill %s: %w", d.FillID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				var qty float64
				err := tx.QueryRowContext(ctx,
					"SELECT quantity FROM positions WHERE namespace = ? AND symbol = ?",
					namespace, d.Symbol,
				).Scan(&qty)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return nil, fmt.Errorf("failed to read position %s: %w", d.Symbol, err)
				}
				out[d.Symbol] = qty
				continue
			}
		}

		var qty float64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO positions (namespace, symbol, quantity, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(namespace, symbol) DO UPDATE SET
				quantity = positions.quantity + excluded.quantity,
				updated_at = excluded.updated_at
			RETURNING quantity`,
			namespace, d.Symbol, d.Amount, now,
		).Scan(&qty)
		if err != nil {
			return nil, fmt.Errorf("failed to apply delta to %s: %w", d.Symbol, err)
		}
		out[d.Symbol] = qty
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger tx: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, key string, now, expires time.Time, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_locks (lock_key, expires_at, token) VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			expires_at = excluded.expires_at,
			token = excluded.token
		WHERE run_locks.expires_at <= ?`,
		key, expires.UnixNano(), token, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) SavePending(ctx context.Context, namespace string, fills []models.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pending tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, f := range fills {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_fills (namespace, fill_id, order_id, symbol, side, size, price, mode, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, fill_id) DO NOTHING`,
			namespace, f.ID, f.OrderID, f.Symbol, string(f.Side), f.Size, f.Price, string(f.Mode), now,
		)
		if err != nil {
			return fmt.Errorf("failed to save pending fill %s: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListPending(ctx context.Context, namespace string) ([]models.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, order_id, symbol, side, size, price, mode
		FROM pending_fills WHERE namespace = ? ORDER BY created_at, fill_id`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending fills: %w", err)
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		var f models.Fill
		var side, mode string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &side, &f.Size, &f.Price, &mode); err != nil {
			return nil, fmt.Errorf("failed to scan pending fill: %w", err)
		}
		f.Side = models.OrderSide(side)
		f.Mode = models.Mode(mode)
		f.Status = models.FillStatusSubmitted
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, namespace, fillID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_fills WHERE namespace = ? AND fill_id = ?",
		namespace, fillID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pending fill %s: %w", fillID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

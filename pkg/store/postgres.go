package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gregtusar/tradepipe/pkg/models"
)

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MinConns int    `mapstructure:"min_conns"`
	MaxConns int    `mapstructure:"max_conns"`
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// PostgresStore shares state between hosts. Row-level locks taken by
// INSERT ... ON CONFLICT DO UPDATE serialize writers on the same key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		namespace  TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		quantity   DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS applied_fills (
		namespace  TEXT NOT NULL,
		fill_id    TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, fill_id)
	)`,
	`CREATE TABLE IF NOT EXISTS run_locks (
		lock_key   TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL,
		token      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pending_fills (
		namespace  TEXT NOT NULL,
		fill_id    TEXT NOT NULL,
		order_id   TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		side       TEXT NOT NULL,
		size       DOUBLE PRECISION NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		mode       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, fill_id)
	)`,
}

// OpenPostgres connects, pings and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Position(ctx context.Context, namespace, symbol string) (float64, error) {
	var qty float64
	err := s.pool.QueryRow(ctx,
		"SELECT quantity FROM positions WHERE namespace = $1 AND symbol = $2",
		namespace, symbol,
	).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read position %s/%s: %w", namespace, symbol, err)
	}
	return qty, nil
}

func (s *PostgresStore) Positions(ctx context.Context, namespace string) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT symbol, quantity FROM positions WHERE namespace = $1 ORDER BY symbol",
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var sym string
		var qty float64
		if err := rows.Scan(&sym, &qty); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out[sym] = qty
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyDeltas(ctx context.Context, namespace string, deltas []Delta) (map[string]float64, error) {
	out := make(map[string]float64, len(deltas))
	if len(deltas) == 0 {
		return out, nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for _, d := range lockOrder(deltas) {
			if d.FillID != "" {
				tag, err := tx.Exec(ctx,
					"INSERT INTO applied_fills (namespace, fill_id, applied_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
					namespace, d.FillID, now,
				)
				if err != nil {
					return fmt.Errorf("record fill %s: %w", d.FillID, err)
				}
				if tag.RowsAffected() == 0 {
					var qty float64
					err := tx.QueryRow(ctx,
						"SELECT quantity FROM positions WHERE namespace = $1 AND symbol = $2",
						namespace, d.Symbol,
					).Scan(&qty)
					if err != nil && !errors.Is(err, pgx.ErrNoRows) {
						return fmt.Errorf("read position %s: %w", d.Symbol, err)
					}
					out[d.Symbol] = qty
					continue
				}
			}

			var qty float64
			err := tx.QueryRow(ctx, `
				INSERT INTO positions (namespace, symbol, quantity, updated_at) VALUES ($1, $2, $3, $4)
				ON CONFLICT (namespace, symbol) DO UPDATE SET
					quantity = positions.quantity + EXCLUDED.quantity,
					updated_at = EXCLUDED.updated_at
				RETURNING quantity`,
				namespace, d.Symbol, d.Amount, now,
			).Scan(&qty)
			if err != nil {
				return fmt.Errorf("apply delta to %s: %w", d.Symbol, err)
			}
			out[d.Symbol] = qty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, key string, now, expires time.Time, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO run_locks (lock_key, expires_at, token) VALUES ($1, $2, $3)
		ON CONFLICT (lock_key) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			token = EXCLUDED.token
		WHERE run_locks.expires_at <= $4`,
		key, expires.UnixNano(), token, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SavePending(ctx context.Context, namespace string, fills []models.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, f := range fills {
		batch.Queue(`
			INSERT INTO pending_fills (namespace, fill_id, order_id, symbol, side, size, price, mode, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING`,
			namespace, f.ID, f.OrderID, f.Symbol, string(f.Side), f.Size, f.Price, string(f.Mode), now,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save pending fills: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, namespace string) ([]models.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fill_id, order_id, symbol, side, size, price, mode
		FROM pending_fills WHERE namespace = $1 ORDER BY created_at, fill_id`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending fills: %w", err)
	}
	defer rows.Close()

	var out []models.Fill
	for rows.Next() {
		var f models.Fill
		var side, mode string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &side, &f.Size, &f.Price, &mode); err != nil {
			return nil, fmt.Errorf("scan pending fill: %w", err)
		}
		f.Side = models.OrderSide(side)
		f.Mode = models.Mode(mode)
		f.Status = models.FillStatusSubmitted
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePending(ctx context.Context, namespace, fillID string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM pending_fills WHERE namespace = $1 AND fill_id = $2",
		namespace, fillID,
	)
	if err != nil {
		return fmt.Errorf("delete pending fill %s: %w", fillID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS watchdog_events (
			id         TEXT PRIMARY KEY,
			saga_id    TEXT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
			source     TEXT NOT NULL DEFAULT '',
			sandbox    TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL DEFAULT '',
			message    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_watchdog_saga_id ON watchdog_events(saga_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_watchdog_sandbox ON watchdog_events(sandbox, timestamp DESC);
	`)
	return err
}

// Healthy checks the database connection.
func (db *DB) Healthy(ctx context.Context) error {
	var n int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}

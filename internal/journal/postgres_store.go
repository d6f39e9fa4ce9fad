package journal

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS swap_submissions (
    group_id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL DEFAULT '',
    account TEXT NOT NULL,
    entrypoints TEXT[] NOT NULL,
    destinations TEXT[] NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    submitted_at TIMESTAMPTZ NOT NULL,
    confirmed_at TIMESTAMPTZ
);
`

const createKeyIndexSQL = `
CREATE INDEX IF NOT EXISTS swap_submissions_key_idx
ON swap_submissions (idempotency_key, submitted_at DESC);
`

const selectColumns = `
SELECT group_id, idempotency_key, account, entrypoints, destinations, status, error, submitted_at, confirmed_at
FROM swap_submissions
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range []string{createTableSQL, createKeyIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, groupID string) (*Record, error) {
	return scanRecord(p.pool.QueryRow(ctx, selectColumns+`WHERE group_id = $1`, groupID))
}

func (p *PostgresStore) FindByKey(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	return scanRecord(p.pool.QueryRow(ctx, selectColumns+`
WHERE idempotency_key = $1
ORDER BY submitted_at DESC
LIMIT 1`, key))
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.GroupID == "" {
		return errMissingGroup
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO swap_submissions (group_id, idempotency_key, account, entrypoints, destinations, status, error, submitted_at, confirmed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (group_id) DO UPDATE
SET status = EXCLUDED.status,
    error = EXCLUDED.error,
    confirmed_at = EXCLUDED.confirmed_at
`, record.GroupID, record.Key, record.Account, nonNil(record.Entrypoints), nonNil(record.Destinations),
		record.Status, record.Error, record.SubmittedAt, record.ConfirmedAt)
	return err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.GroupID, &rec.Key, &rec.Account, &rec.Entrypoints, &rec.Destinations,
		&rec.Status, &rec.Error, &rec.SubmittedAt, &rec.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

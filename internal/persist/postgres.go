package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSnapshots = `CREATE TABLE IF NOT EXISTS docsync_snapshots (
	document_id TEXT PRIMARY KEY,
	data        BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("persist: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createSnapshots); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persist: create table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Save(ctx context.Context, documentID string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO docsync_snapshots (document_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (document_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		documentID, data)
	return err
}

func (p *Postgres) Load(ctx context.Context, documentID string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM docsync_snapshots WHERE document_id = $1`, documentID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

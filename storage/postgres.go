package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

// Postgres is an Adapter over a pgx connection pool. Snapshots and
// operations are stored as jsonb rows.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres dials url and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS collab_documents (
			id         text PRIMARY KEY,
			state      jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS collab_operations (
			seq     bigserial PRIMARY KEY,
			doc_id  text NOT NULL,
			version bigint NOT NULL,
			op      jsonb NOT NULL
		);
		CREATE INDEX IF NOT EXISTS collab_operations_doc_version
			ON collab_operations (doc_id, version);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveDocument(ctx context.Context, state *State) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", state.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO collab_documents (id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, state.ID, buf)
	return err
}

func (p *Postgres) LoadDocument(ctx context.Context, id string) (*State, error) {
	var buf []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM collab_documents WHERE id = $1`, id).Scan(&buf)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state := &State{}
	if err := json.Unmarshal(buf, state); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return state, nil
}

func (p *Postgres) SaveOperation(ctx context.Context, id string, op *ot.Operation, version int) error {
	buf, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO collab_operations (doc_id, version, op) VALUES ($1, $2, $3)
	`, id, version, buf)
	return err
}

func (p *Postgres) LoadOperations(ctx context.Context, id string, sinceVersion int) ([]*ot.Operation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT op FROM collab_operations WHERE doc_id = $1 AND version > $2 ORDER BY version, seq
	`, id, sinceVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []*ot.Operation
	for rows.Next() {
		var buf []byte
		if err := rows.Scan(&buf); err != nil {
			return nil, err
		}
		op := &ot.Operation{}
		if err := json.Unmarshal(buf, op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (p *Postgres) DeleteDocument(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM collab_operations WHERE doc_id = $1`, id); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM collab_documents WHERE id = $1`, id)
	return err
}

func (p *Postgres) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM collab_documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the record and audit tables. It is idempotent.
//
//go:embed schema.sql
var Schema string

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres stores each keyspace as rows of escrow_records and the audit log in escrow_audit.
// Units for one identifier are serialized with a transaction-scoped advisory lock.
type Postgres struct {
	pool TxBeginner
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool TxBeginner) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies Schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error {
	if ok, err := join(ctx, p, id, true, fn); ok {
		return err
	}
	return p.run(ctx, id, false, fn)
}

func (p *Postgres) View(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error {
	if ok, err := join(ctx, p, id, false, fn); ok {
		return err
	}
	return p.run(ctx, id, true, fn)
}

func (p *Postgres) run(ctx context.Context, id string, readOnly bool, fn func(ctx context.Context, tx Txn) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if !readOnly {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
			return fmt.Errorf("store: lock %s: %w", id, err)
		}
	}

	pt := &pgTxn{tx: tx, id: id, readOnly: readOnly}
	if err := fn(withActive(ctx, p, id, pt, readOnly), pt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return ErrConflict
		}
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

type pgTxn struct {
	tx       pgx.Tx
	id       string
	readOnly bool
}

func (t *pgTxn) ID() string { return t.id }

func (t *pgTxn) Get(ctx context.Context, ks Keyspace) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRow(ctx, `SELECT value FROM escrow_records WHERE keyspace = $1 AND id = $2`, string(ks), t.id).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s/%s: %w", ks, t.id, err)
	}
	return value, nil
}

func (t *pgTxn) Put(ctx context.Context, ks Keyspace, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	const upsertSQL = `
INSERT INTO escrow_records (keyspace, id, value)
VALUES ($1, $2, $3)
ON CONFLICT (keyspace, id) DO UPDATE
SET value = EXCLUDED.value,
    updated_at = now();
`
	if _, err := t.tx.Exec(ctx, upsertSQL, string(ks), t.id, value); err != nil {
		return fmt.Errorf("store: put %s/%s: %w", ks, t.id, err)
	}
	return nil
}

func (t *pgTxn) Insert(ctx context.Context, ks Keyspace, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	const insertSQL = `
INSERT INTO escrow_records (keyspace, id, value)
VALUES ($1, $2, $3)
ON CONFLICT (keyspace, id) DO NOTHING;
`
	tag, err := t.tx.Exec(ctx, insertSQL, string(ks), t.id, value)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("store: insert %s/%s: %w", ks, t.id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (t *pgTxn) Append(ctx context.Context, data []byte) (int64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	const appendSQL = `
INSERT INTO escrow_audit (transaction_id, seq, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2
FROM escrow_audit
WHERE transaction_id = $1
RETURNING seq;
`
	var seq int64
	if err := t.tx.QueryRow(ctx, appendSQL, t.id, data).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: append audit %s: %w", t.id, err)
	}
	return seq, nil
}

func (t *pgTxn) Log(ctx context.Context) ([]LogRecord, error) {
	rows, err := t.tx.Query(ctx, `SELECT seq, payload FROM escrow_audit WHERE transaction_id = $1 ORDER BY seq ASC`, t.id)
	if err != nil {
		return nil, fmt.Errorf("store: list audit %s: %w", t.id, err)
	}
	defer rows.Close()

	out := make([]LogRecord, 0, 8)
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.Seq, &rec.Data); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audit: %w", err)
	}
	return out, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundme/internal/fundme"
)

// PostgresStore keeps one row per deployment plus its receipts.
type PostgresStore struct {
	pool       *pgxpool.Pool
	deployment string
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS fundme_ledgers (
    deployment TEXT PRIMARY KEY,
    snapshot JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS fundme_receipts (
    deployment TEXT NOT NULL,
    key TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (deployment, key)
);
`

// NewPostgresStore connects using dsn and ensures the tables exist. deployment
// scopes every row, usually the price feed address.
func NewPostgresStore(ctx context.Context, dsn, deployment string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	if deployment == "" {
		return nil, errors.New("deployment key is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, deployment: deployment}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) LoadLedger(ctx context.Context) (*fundme.Snapshot, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `
SELECT snapshot FROM fundme_ledgers WHERE deployment = $1
`, p.deployment).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var snap fundme.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *PostgresStore) SaveLedger(ctx context.Context, snapshot fundme.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO fundme_ledgers (deployment, snapshot, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (deployment) DO UPDATE
SET snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at
`, p.deployment, raw, time.Now().UTC())
	return err
}

func (p *PostgresStore) GetReceipt(ctx context.Context, key string) (*Receipt, error) {
	row := p.pool.QueryRow(ctx, `
SELECT status_code, response, created_at, expires_at
FROM fundme_receipts
WHERE deployment = $1 AND key = $2
`, p.deployment, key)

	var rec Receipt
	if err := row.Scan(&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().After(rec.ExpiresAt) {
		go p.deleteExpired(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) SaveReceipt(ctx context.Context, key string, receipt Receipt) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO fundme_receipts (deployment, key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (deployment, key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, p.deployment, key, receipt.StatusCode, nonNil(receipt.Response), receipt.CreatedAt, receipt.ExpiresAt)
	return err
}

// Reserve inserts receipt, or replaces an expired one, in a single statement.
func (p *PostgresStore) Reserve(ctx context.Context, key string, receipt Receipt) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO fundme_receipts (deployment, key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (deployment, key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE fundme_receipts.expires_at < $7
`, p.deployment, key, receipt.StatusCode, nonNil(receipt.Response), receipt.CreatedAt, receipt.ExpiresAt, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) DeleteReceipt(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM fundme_receipts WHERE deployment = $1 AND key = $2`, p.deployment, key)
	return err
}

func (p *PostgresStore) ClaimDeposit(ctx context.Context, hash common.Hash) (bool, error) {
	return p.Reserve(ctx, depositKey(hash), depositClaim())
}

func (p *PostgresStore) deleteExpired(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `
DELETE FROM fundme_receipts WHERE deployment = $1 AND key = $2 AND expires_at < $3
`, p.deployment, key, time.Now().UTC())
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

var _ Store = (*PostgresStore)(nil)

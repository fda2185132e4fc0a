package casserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"buildorch/internal/digest"
)

// PostgresRefs keeps refs in a shared database so several casd replicas
// in front of one object bucket agree on artifact keys.
type PostgresRefs struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func OpenPostgresRefs(ctx context.Context, dsn string) (*PostgresRefs, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresRefs(db), nil
}

func NewPostgresRefs(db *sql.DB) *PostgresRefs {
	return &PostgresRefs{db: db}
}

func (p *PostgresRefs) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresRefs) ensureSchema(ctx context.Context) error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS cas_refs (
	key TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	})
	return p.schemaErr
}

func (p *PostgresRefs) Get(ctx context.Context, key string) (digest.Digest, error) {
	if p == nil || p.db == nil {
		return digest.Digest{}, fmt.Errorf("postgres refs are not configured")
	}
	if err := p.ensureSchema(ctx); err != nil {
		return digest.Digest{}, err
	}
	var d digest.Digest
	err := p.db.QueryRowContext(ctx,
		`SELECT hash, size_bytes FROM cas_refs WHERE key = $1`, strings.TrimSpace(key),
	).Scan(&d.Hash, &d.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.Digest{}, fmt.Errorf("%w: ref %s", ErrNotFound, key)
	}
	if err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

func (p *PostgresRefs) Put(ctx context.Context, keys []string, d digest.Digest, _ []digest.Digest) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("postgres refs are not configured")
	}
	keys, err := normalizeKeys(keys)
	if err != nil {
		return err
	}
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cas_refs (key, hash, size_bytes, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (key) DO UPDATE SET hash = EXCLUDED.hash, size_bytes = EXCLUDED.size_bytes, updated_at = now()`,
			k, d.Hash, d.SizeBytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

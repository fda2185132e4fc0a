package localcas

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// index is the sqlite bookkeeping for blobs, refs and blob-to-blob edges.
// Callers serialize access through Store.mu.
type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("index pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("index schema: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error { return ix.db.Close() }

type blobRow struct {
	hash  string
	size  int64
	atime int64
}

type refRow struct {
	key   string
	hash  string
	size  int64
	atime int64
}

func (ix *index) totals(ctx context.Context) (bytes int64, blobs int64, err error) {
	err = ix.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0), COUNT(*) FROM blobs`).Scan(&bytes, &blobs)
	return bytes, blobs, err
}

func (ix *index) refCount(ctx context.Context) (int64, error) {
	var n int64
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refs`).Scan(&n)
	return n, err
}

func (ix *index) blob(ctx context.Context, hash string) (blobRow, bool, error) {
	row := blobRow{hash: hash}
	err := ix.db.QueryRowContext(ctx, `SELECT size, atime FROM blobs WHERE hash = ?`, hash).Scan(&row.size, &row.atime)
	if errors.Is(err, sql.ErrNoRows) {
		return blobRow{}, false, nil
	}
	if err != nil {
		return blobRow{}, false, err
	}
	return row, true, nil
}

func (ix *index) insertBlob(ctx context.Context, hash string, size, atime int64) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO blobs (hash, size, atime) VALUES (?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET atime = excluded.atime`, hash, size, atime)
	return err
}

func (ix *index) touchBlob(ctx context.Context, hash string, atime int64) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE blobs SET atime = ? WHERE hash = ?`, atime, hash)
	return err
}

func (ix *index) deleteBlob(ctx context.Context, hash string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE parent = ?`, hash); err != nil {
		return err
	}
	return tx.Commit()
}

func (ix *index) addEdges(ctx context.Context, parent string, children map[string]int64) error {
	if len(children) == 0 {
		return nil
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO edges (parent, child, child_size) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for child, size := range children {
		if _, err := stmt.ExecContext(ctx, parent, child, size); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (ix *index) edges(ctx context.Context) (map[string][]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT parent, child FROM edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var p, c string
		if err := rows.Scan(&p, &c); err != nil {
			return nil, err
		}
		out[p] = append(out[p], c)
	}
	return out, rows.Err()
}

func (ix *index) blobsByAge(ctx context.Context) ([]blobRow, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT hash, size, atime FROM blobs ORDER BY atime ASC, hash ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []blobRow
	for rows.Next() {
		var r blobRow
		if err := rows.Scan(&r.hash, &r.size, &r.atime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (ix *index) ref(ctx context.Context, key string) (refRow, bool, error) {
	r := refRow{key: key}
	err := ix.db.QueryRowContext(ctx, `SELECT hash, size, atime FROM refs WHERE key = ?`, key).Scan(&r.hash, &r.size, &r.atime)
	if errors.Is(err, sql.ErrNoRows) {
		return refRow{}, false, nil
	}
	if err != nil {
		return refRow{}, false, err
	}
	return r, true, nil
}

func (ix *index) upsertRef(ctx context.Context, key, hash string, size, atime int64) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO refs (key, hash, size, atime) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET hash = excluded.hash, size = excluded.size, atime = excluded.atime`,
		key, hash, size, atime)
	return err
}

func (ix *index) touchRef(ctx context.Context, key string, atime int64) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE refs SET atime = ? WHERE key = ?`, atime, key)
	return err
}

func (ix *index) deleteRef(ctx context.Context, key string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM refs WHERE key = ?`, key)
	return err
}

func (ix *index) refsByAge(ctx context.Context, prefix string) ([]refRow, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT key, hash, size, atime FROM refs WHERE key LIKE ? ESCAPE '\' ORDER BY atime ASC, key ASC`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []refRow
	for rows.Next() {
		var r refRow
		if err := rows.Scan(&r.key, &r.hash, &r.size, &r.atime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Package localstore is the device-local SQLite database: the durable outbox of
// the offline queue, the history cache used while the Message Store is unreachable,
// and the marker of legacy random keys.
//
// Only ciphertext and public keys are written here.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/and161185/goph-chat/internal/migrate"
)

// DB wraps the SQLite handle.
type DB struct{ db *sql.DB }

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a volatile store.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// one connection: serializes writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if err := migrate.UpLocal(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close releases the database.
func (d *DB) Close() error { return d.db.Close() }

// Outbox returns the durable queue store.
func (d *DB) Outbox() *Outbox { return &Outbox{db: d.db} }

// Cache returns the history cache.
func (d *DB) Cache() *Cache { return &Cache{db: d.db} }

// LegacyKeys returns the legacy key marker store.
func (d *DB) LegacyKeys() *LegacyKeys { return &LegacyKeys{db: d.db} }

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

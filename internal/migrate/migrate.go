// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/goph-chat/migrations"
)

// Up runs all pending Message Store migrations against the PostgreSQL DSN.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, migrations.PostgresDir)
}

// UpLocal brings an opened device-local SQLite database to the latest schema.
// It uses a goose Provider so it does not touch the package-level goose state.
func UpLocal(ctx context.Context, db *sql.DB) error {
	dir, err := fs.Sub(migrations.FS, migrations.SQLiteDir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, dir)
	if err != nil {
		return fmt.Errorf("local migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("local migrations: %w", err)
	}
	return nil
}

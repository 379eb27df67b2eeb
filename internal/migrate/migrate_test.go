package migrate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-chat/migrations"
)

func TestPostgresMigrations_GuardTriggers(t *testing.T) {
	var all strings.Builder
	err := fs.WalkDir(migrations.FS, migrations.PostgresDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := fs.ReadFile(migrations.FS, path)
		if err != nil {
			return err
		}
		up, down, ok := strings.Cut(string(b), "-- +goose Down")
		require.True(t, ok, "%s has no Down section", path)
		for _, name := range []string{"messages_guard_recipient", "conversations_guard_participant"} {
			if strings.Contains(up, "CREATE TRIGGER "+name) {
				require.Contains(t, down, "DROP TRIGGER IF EXISTS "+name, path)
			}
		}
		all.WriteString(up)
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, all.String(), "CREATE TRIGGER messages_guard_recipient BEFORE UPDATE ON messages")
	require.Contains(t, all.String(), "CREATE TRIGGER conversations_guard_participant BEFORE UPDATE ON conversations")
}

// testDSN returns a disposable PostgreSQL database or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GOPHCHAT_TEST_DSN")
	if dsn == "" {
		t.Skip("GOPHCHAT_TEST_DSN not set")
	}
	return dsn
}

func TestConversationGuard(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	require.NoError(t, Up(ctx, dsn))

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })

	id, alice, bob, mallory := newID(), newID(), newID(), newID()
	if _, err := conn.Exec(ctx,
		`INSERT INTO conversations (id, participant_1_id, participant_2_id) VALUES ($1,$2,$3)`,
		id, alice, bob); err != nil {
		t.Skipf("cannot seed conversation with this role: %v", err)
	}
	t.Cleanup(func() { _, _ = conn.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id) })

	as := func(user uuid.UUID, stmt string, args ...any) error {
		tx, err := conn.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		if _, err := tx.Exec(ctx, `SELECT set_config('app.user_id', $1, true)`, user.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
	denied := func(t *testing.T, err error) {
		t.Helper()
		var pg *pgconn.PgError
		require.True(t, errors.As(err, &pg), "want a PgError, got %v", err)
		require.Equal(t, "42501", pg.Code)
	}

	t.Run("own flag", func(t *testing.T) {
		require.NoError(t, as(alice, `UPDATE conversations SET archived_by_participant_1=true WHERE id=$1`, id))
	})
	t.Run("other slot flag", func(t *testing.T) {
		denied(t, as(alice, `UPDATE conversations SET archived_by_participant_2=true WHERE id=$1`, id))
	})
	t.Run("participant swap", func(t *testing.T) {
		denied(t, as(alice, `UPDATE conversations SET participant_2_id=$2 WHERE id=$1`, id, mallory))
	})
	t.Run("activity timestamp", func(t *testing.T) {
		require.NoError(t, as(bob, `UPDATE conversations SET last_message_at=now() WHERE id=$1`, id))
	})

	var a1, a2 bool
	require.NoError(t, conn.QueryRow(ctx,
		`SELECT archived_by_participant_1, archived_by_participant_2 FROM conversations WHERE id=$1`, id).
		Scan(&a1, &a2))
	require.True(t, a1)
	require.False(t, a2)
}

func newID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

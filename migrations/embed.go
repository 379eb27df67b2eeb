// Package migrations embeds the goose migration sets.
//
// postgres/ holds the Message Store schema with its row-level security policies;
// sqlite/ holds the device-local outbox and history cache.
package migrations

import "embed"

// FS contains both migration directories.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

const (
	// PostgresDir is the directory of Message Store migrations inside FS.
	PostgresDir = "postgres"
	// SQLiteDir is the directory of local store migrations inside FS.
	SQLiteDir = "sqlite"
)

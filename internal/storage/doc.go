// Package storage persists reminder rules, the quote pool and the delivery
// audit trail.
//
// Backends:
//   - SQLite (modernc.org/sqlite, pure Go), the default
//   - PostgreSQL through a pgx connection pool
//   - an in-memory store for tests and dry runs
//
// Both SQL backends apply the embedded migrations in filename order and track
// them in schema_migrations.
package storage

import "embed"

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Package storage persists accounts, delivered notifications and uploaded files.
//
// It supports:
//   - SQLite through modernc.org/sqlite (single writer, WAL)
//   - PostgreSQL through the pgx stdlib driver
//
// Both share one sqlx implementation; migrations are versioned in schema_version.
package storage

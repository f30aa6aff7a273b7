package storage

import (
	"context"
	"fmt"

	logx "tecbrain/pkg/logx"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

type migration struct {
	version int
	stmts   map[dialect][]string
}

// Statements run one at a time so neither driver needs multi-statement support.
var migrations = []migration{
	{
		version: 1,
		stmts: map[dialect][]string{
			dialectSQLite: {
				`CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					source_username TEXT NOT NULL UNIQUE,
					credential_ref TEXT NOT NULL,
					chat_id INTEGER NOT NULL,
					root_folder TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS notifications (
					account_id TEXT NOT NULL REFERENCES accounts(id),
					external_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					course TEXT NOT NULL DEFAULT '',
					title TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					link TEXT NOT NULL DEFAULT '',
					content_hash TEXT NOT NULL,
					document_status TEXT,
					sent_at TIMESTAMP NOT NULL,
					PRIMARY KEY (account_id, external_id)
				)`,
				`CREATE TABLE IF NOT EXISTS uploaded_files (
					account_id TEXT NOT NULL REFERENCES accounts(id),
					file_hash TEXT NOT NULL,
					course TEXT NOT NULL DEFAULT '',
					file_name TEXT NOT NULL,
					storage_ref TEXT NOT NULL,
					uploaded_at TIMESTAMP NOT NULL,
					PRIMARY KEY (account_id, file_hash)
				)`,
			},
			dialectPostgres: {
				`CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					source_username TEXT NOT NULL UNIQUE,
					credential_ref TEXT NOT NULL,
					chat_id BIGINT NOT NULL,
					root_folder TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS notifications (
					account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					external_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					course TEXT NOT NULL DEFAULT '',
					title TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					link TEXT NOT NULL DEFAULT '',
					content_hash TEXT NOT NULL,
					document_status TEXT,
					sent_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (account_id, external_id)
				)`,
				`CREATE TABLE IF NOT EXISTS uploaded_files (
					account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					file_hash TEXT NOT NULL,
					course TEXT NOT NULL DEFAULT '',
					file_name TEXT NOT NULL,
					storage_ref TEXT NOT NULL,
					uploaded_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (account_id, file_hash)
				)`,
			},
		},
	},
	{
		version: 2,
		stmts: map[dialect][]string{
			dialectSQLite:   {`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts (is_active, created_at)`},
			dialectPostgres: {`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts (is_active, created_at)`},
		},
	},
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	var current int
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.stmts[s.dialect] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
		s.log.Info("migration applied", logx.Int("version", m.version))
	}
	return nil
}

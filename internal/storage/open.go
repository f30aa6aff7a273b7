package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "tecbrain/pkg/logx"
)

// Open connects the configured driver and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, ErrDisabled
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer; also keeps a ":memory:" database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	applyPragmas(ctx, db, cfg.BusyTimeout, log)
	return newSQLStore(ctx, db, dialectSQLite, log)
}

// applyPragmas tunes a sqlite connection. Failures are logged, not returned.
func applyPragmas(ctx context.Context, db *sqlx.DB, busy time.Duration, log logx.Logger) {
	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if busy > 0 {
		pragmas = append([]string{fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("comp", "storage"), logx.String("pragma", p), logx.Err(err))
		}
	}
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting postgres: %w", err)
	}
	return newSQLStore(ctx, db, dialectPostgres, log)
}

func newSQLStore(ctx context.Context, db *sqlx.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, dialect: d, log: log.With(logx.String("comp", "storage"), logx.String("driver", string(d)))}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

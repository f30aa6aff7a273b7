package storage

import (
	"context"
	"errors"
	"time"

	"tecbrain/internal/domain"
)

var (
	ErrDisabled        = errors.New("storage disabled")
	ErrAccountNotFound = errors.New("account not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (":memory:" for tests)
//   - "postgres": PostgreSQL reachable at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means 10
}

// Store persists accounts, delivered notifications and uploaded files.
type Store interface {
	ActiveAccounts(ctx context.Context) ([]domain.Account, error)
	GetNotificationState(ctx context.Context, accountID, externalID string) (domain.NotificationState, error)
	InsertNotification(ctx context.Context, rec domain.NotificationRecord) error
	UpdateDocumentStatus(ctx context.Context, accountID, externalID string, status domain.DocumentStatus) error
	FileRecordExists(ctx context.Context, accountID, fileHash string) (bool, error)
	InsertFileRecord(ctx context.Context, rec domain.FileRecord) error
	UpsertAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	Ping(ctx context.Context) error
	Close() error
}

// Error is returned by every Store operation that fails.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

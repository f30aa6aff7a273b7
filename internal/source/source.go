// Package source pulls notifications for one account from the scraper service.
package source

import (
	"context"
	"fmt"

	"tecbrain/internal/domain"
)

// Result is one account's fetch.
type Result struct {
	Notifications []domain.Notification
	Session       domain.Session
	// Skipped counts items that could not be decoded.
	Skipped int
}

// Source fetches the current notifications for an account.
type Source interface {
	Fetch(ctx context.Context, account domain.Account, password string) (Result, error)
}

// Error is returned for any failed fetch.
type Error struct {
	AccountID string
	Op        string
	Status    int // HTTP status, 0 when no response was read
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("source %s for account %s: http %d: %v", e.Op, e.AccountID, e.Status, e.Err)
	}
	return fmt.Sprintf("source %s for account %s: %v", e.Op, e.AccountID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

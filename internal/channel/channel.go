package channel

import (
	"context"
	"errors"

	"tecbrain/internal/domain"
)

// ParseModeHTML is Telegram's HTML parse mode.
const ParseModeHTML = "HTML"

// Message is one outgoing text message.
type Message struct {
	Text           string
	ParseMode      string
	DisablePreview bool
}

// Messenger delivers messages to an account's chat.
type Messenger interface {
	Send(ctx context.Context, chatID int64, msg Message) error
}

// Stored describes a file that reached storage.
type Stored struct {
	Ref  string
	Link string
}

// FileStorage places source attachments into a folder hierarchy.
type FileStorage interface {
	// EnsureFolder finds or creates name under parent and returns its reference.
	EnsureFolder(ctx context.Context, name, parent string) (string, error)
	// Transfer downloads file with the session and stores it under folder.
	Transfer(ctx context.Context, file domain.FileReference, folder string, session domain.Session) (Stored, error)
}

// ErrNotFound marks a failure caused by a folder or file the backend no longer has.
var ErrNotFound = errors.New("not found")

// Error is returned by every channel operation that fails.
type Error struct {
	Channel string
	Op      string
	Err     error
}

func (e *Error) Error() string { return e.Channel + " " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with the channel and operation; nil stays nil.
func Wrap(channel, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Channel: channel, Op: op, Err: err}
}

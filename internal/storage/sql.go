package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tecbrain/internal/domain"
	logx "tecbrain/pkg/logx"
)

// sqlStore serves both SQLite and PostgreSQL. Queries use '?' and go through Rebind.
type sqlStore struct {
	db      *sqlx.DB
	dialect dialect
	log     logx.Logger
}

type accountRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	SourceUsername string    `db:"source_username"`
	CredentialRef  string    `db:"credential_ref"`
	ChatID         int64     `db:"chat_id"`
	RootFolder     string    `db:"root_folder"`
	Active         bool      `db:"is_active"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		ID:             r.ID,
		Name:           r.Name,
		SourceUsername: r.SourceUsername,
		CredentialRef:  r.CredentialRef,
		ChatID:         r.ChatID,
		RootFolder:     r.RootFolder,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
	}
}

const accountColumns = `id, name, source_username, credential_ref, chat_id, root_folder, is_active, created_at`

func (s *sqlStore) ActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	var rows []accountRow
	q := s.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE is_active = ? ORDER BY created_at, id`)
	if err := s.db.SelectContext(ctx, &rows, q, true); err != nil {
		return nil, wrap("active accounts", err)
	}
	out := make([]domain.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *sqlStore) GetNotificationState(ctx context.Context, accountID, externalID string) (domain.NotificationState, error) {
	var status sql.NullString
	q := s.db.Rebind(`SELECT document_status FROM notifications WHERE account_id = ? AND external_id = ?`)
	err := s.db.GetContext(ctx, &status, q, accountID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationState{}, nil
	}
	if err != nil {
		return domain.NotificationState{}, wrap("get notification state", err)
	}
	st := domain.NotificationState{Exists: true}
	if status.Valid {
		st.DocumentStatus = domain.DocumentStatus(status.String)
	}
	return st, nil
}

func (s *sqlStore) InsertNotification(ctx context.Context, rec domain.NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	q := s.db.Rebind(`INSERT INTO notifications
		(account_id, external_id, kind, course, title, description, link, content_hash, document_status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, external_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, q,
		rec.AccountID, rec.ExternalID, string(rec.Kind), rec.Course, rec.Title, rec.Description, rec.Link,
		rec.ContentHash, nullStr(string(rec.DocumentStatus)), rec.SentAt.UTC(),
	)
	return wrap("insert notification", err)
}

func (s *sqlStore) UpdateDocumentStatus(ctx context.Context, accountID, externalID string, status domain.DocumentStatus) error {
	q := s.db.Rebind(`UPDATE notifications SET document_status = ? WHERE account_id = ? AND external_id = ?`)
	_, err := s.db.ExecContext(ctx, q, string(status), accountID, externalID)
	return wrap("update document status", err)
}

func (s *sqlStore) FileRecordExists(ctx context.Context, accountID, fileHash string) (bool, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM uploaded_files WHERE account_id = ? AND file_hash = ?`)
	if err := s.db.GetContext(ctx, &n, q, accountID, fileHash); err != nil {
		return false, wrap("file record exists", err)
	}
	return n > 0, nil
}

func (s *sqlStore) InsertFileRecord(ctx context.Context, rec domain.FileRecord) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	q := s.db.Rebind(`INSERT INTO uploaded_files
		(account_id, file_hash, course, file_name, storage_ref, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, file_hash) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, q,
		rec.AccountID, rec.FileHash, rec.Course, rec.FileName, rec.StorageRef, rec.UploadedAt.UTC(),
	)
	return wrap("insert file record", err)
}

// UpsertAccount inserts a by source username or refreshes the existing row's delivery settings.
func (s *sqlStore) UpsertAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if strings.TrimSpace(a.SourceUsername) == "" {
		return domain.Account{}, wrap("upsert account", errors.New("source username must not be empty"))
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	q := s.db.Rebind(`INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_username) DO UPDATE SET
			name = excluded.name,
			credential_ref = excluded.credential_ref,
			chat_id = excluded.chat_id,
			root_folder = excluded.root_folder,
			is_active = excluded.is_active`)
	if _, err := s.db.ExecContext(ctx, q,
		a.ID, a.Name, a.SourceUsername, a.CredentialRef, a.ChatID, a.RootFolder, a.Active, a.CreatedAt.UTC(),
	); err != nil {
		return domain.Account{}, wrap("upsert account", err)
	}

	var row accountRow
	sel := s.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE source_username = ?`)
	if err := s.db.GetContext(ctx, &row, sel, a.SourceUsername); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrAccountNotFound
		}
		return domain.Account{}, wrap("upsert account", err)
	}
	return row.toDomain(), nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tecbrain/internal/domain"
	logx "tecbrain/pkg/logx"
)

func openMemory(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)

	_, err = Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestPragmaFailuresAreLogged(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`PRAGMA busy_timeout = 1500`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`PRAGMA journal_mode = WAL`)).WillReturnError(errors.New("database is locked"))
	mock.ExpectExec(regexp.QuoteMeta(`PRAGMA synchronous = NORMAL`)).WillReturnResult(sqlmock.NewResult(0, 0))

	var buf bytes.Buffer
	applyPragmas(context.Background(), sqlx.NewDb(db, "sqlite"), 1500*time.Millisecond, logx.NewWriter(&buf, "warn"))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, buf.String(), "sqlite pragma failed")
	assert.Contains(t, buf.String(), "journal_mode")
	assert.Contains(t, buf.String(), "database is locked")
	assert.NotContains(t, buf.String(), "busy_timeout")
}

func TestAccountsUpsertAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)

	first, err := st.UpsertAccount(ctx, domain.Account{
		Name: "Ana", SourceUsername: "ana@tec", CredentialRef: "aa:bb", ChatID: 42, RootFolder: "root-1", Active: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := st.UpsertAccount(ctx, domain.Account{
		Name: "Ana", SourceUsername: "ana@tec", CredentialRef: "cc:dd", ChatID: 43, Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "cc:dd", again.CredentialRef)
	assert.Equal(t, int64(43), again.ChatID)
	assert.Empty(t, again.RootFolder)

	_, err = st.UpsertAccount(ctx, domain.Account{Name: "Off", SourceUsername: "off@tec", CredentialRef: "x:y", ChatID: 1})
	require.NoError(t, err)

	active, err := st.ActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ana@tec", active[0].SourceUsername)
	assert.True(t, active[0].Active)

	_, err = st.UpsertAccount(ctx, domain.Account{Name: "NoUser"})
	var se *Error
	require.ErrorAs(t, err, &se)
}

func TestNotificationState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)

	state, err := st.GetNotificationState(ctx, "acc", "n1")
	require.NoError(t, err)
	assert.False(t, state.Exists)

	now := time.Now()
	require.NoError(t, st.InsertNotification(ctx, domain.RecordFor("acc", &domain.Informational{Header: domain.Header{ExternalID: "n1"}}, now)))
	state, err = st.GetNotificationState(ctx, "acc", "n1")
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Empty(t, state.DocumentStatus)

	doc := &domain.Document{Header: domain.Header{ExternalID: "d1"}, Status: domain.StatusUnresolved}
	require.NoError(t, st.InsertNotification(ctx, domain.RecordFor("acc", doc, now)))
	// A second insert for the same key is ignored.
	doc.Status = domain.StatusResolved
	require.NoError(t, st.InsertNotification(ctx, domain.RecordFor("acc", doc, now)))

	state, err = st.GetNotificationState(ctx, "acc", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnresolved, state.DocumentStatus)

	require.NoError(t, st.UpdateDocumentStatus(ctx, "acc", "d1", domain.StatusResolved))
	state, err = st.GetNotificationState(ctx, "acc", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, state.DocumentStatus)

	state, err = st.GetNotificationState(ctx, "other", "d1")
	require.NoError(t, err)
	assert.False(t, state.Exists)
}

func TestFileRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openMemory(t)

	ok, err := st.FileRecordExists(ctx, "acc", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := domain.FileRecord{AccountID: "acc", FileHash: "h1", Course: "MA", FileName: "a.pdf", StorageRef: "drive-1"}
	require.NoError(t, st.InsertFileRecord(ctx, rec))
	require.NoError(t, st.InsertFileRecord(ctx, rec))

	ok, err = st.FileRecordExists(ctx, "acc", "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.FileRecordExists(ctx, "other", "h1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &sqlStore{db: sqlx.NewDb(db, "pgx"), dialect: dialectPostgres, log: logx.Nop()}, mock
}

func TestPostgresPlaceholders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (account_id, external_id) DO NOTHING`)).
		WithArgs("acc", "e1", "evaluacion", "", "", "", "", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM uploaded_files WHERE account_id = $1 AND file_hash = $2`)).
		WithArgs("acc", "h").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, st.InsertNotification(ctx, domain.RecordFor("acc", &domain.Evaluation{Header: domain.Header{ExternalID: "e1"}}, time.Now())))
	ok, err := st.FileRecordExists(ctx, "acc", "h")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT document_status FROM notifications`)).WillReturnError(boom)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE notifications SET document_status = $1`)).WillReturnError(boom)

	_, err := st.GetNotificationState(ctx, "acc", "x")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get notification state", se.Op)
	assert.ErrorIs(t, err, boom)

	err = st.UpdateDocumentStatus(ctx, "acc", "x", domain.StatusResolved)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "update document status", se.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tecbrain/internal/channel"
	"tecbrain/internal/domain"
	"tecbrain/internal/metrics"
	"tecbrain/internal/storage"
	logx "tecbrain/pkg/logx"
)

type sentMessage struct {
	chatID int64
	msg    channel.Message
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *recordingMessenger) Send(ctx context.Context, chatID int64, msg channel.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{chatID: chatID, msg: msg})
	return m.err
}

func (m *recordingMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.msg.Text)
	}
	return out
}

type fakeStorage struct {
	mu         sync.Mutex
	folders    []string
	transfers  []string
	failNames  map[string]bool
	panicNames map[string]bool
	folderErr  error
}

func (s *fakeStorage) EnsureFolder(ctx context.Context, name, parent string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.folderErr != nil {
		return "", s.folderErr
	}
	ref := parent + "/" + name
	s.folders = append(s.folders, ref)
	return ref, nil
}

func (s *fakeStorage) Transfer(ctx context.Context, file domain.FileReference, folder string, session domain.Session) (channel.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, file.FileName)
	if s.failNames[file.FileName] {
		return channel.Stored{}, errors.New("transfer refused")
	}
	if s.panicNames[file.FileName] {
		panic("storage client bug")
	}
	id := "id-" + file.FileName
	return channel.Stored{Ref: id, Link: channel.DriveViewURL(id)}, nil
}

func (s *fakeStorage) transferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

type fixture struct {
	store     storage.Store
	messenger *recordingMessenger
	files     *fakeStorage
	metrics   *metrics.Metrics
	engine    *Engine
	account   domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	acc, err := st.UpsertAccount(ctx, domain.Account{
		Name: "Ana", SourceUsername: "ana@tec", CredentialRef: "aa:bb", ChatID: 77, RootFolder: "root", Active: true,
	})
	require.NoError(t, err)

	f := &fixture{
		store:     st,
		messenger: &recordingMessenger{},
		files:     &fakeStorage{failNames: map[string]bool{}},
		metrics:   metrics.New(),
		account:   acc,
	}
	f.engine = New(st, f.messenger,
		WithStorage(f.files),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	return f
}

func header(id string) domain.Header {
	return domain.Header{ExternalID: id, Course: "MA-1102", Title: "Tarea", Description: "detalle", Link: "https://tec/" + id}
}

func file(name string) domain.FileReference {
	return domain.FileReference{FileName: name, DownloadURL: "https://tec/files/" + name}
}

func TestInformationalDeliveredOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	n := &domain.Informational{Header: header("n1")}

	out, err := f.engine.Dispatch(ctx, f.account, n, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	require.Equal(t, 1, f.messenger.count())
	assert.Equal(t, int64(77), f.messenger.sent[0].chatID)

	out, err = f.engine.Dispatch(ctx, f.account, n, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
	assert.Equal(t, 1, f.messenger.count())

	state, err := f.store.GetNotificationState(ctx, f.account.ID, "n1")
	require.NoError(t, err)
	assert.True(t, state.Exists)
}

func TestEvaluationUsesEvaluationTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.engine.Dispatch(context.Background(), f.account, &domain.Evaluation{Header: header("e1")}, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, []string{channel.EvaluationMessage(header("e1")).Text}, f.messenger.texts())
}

func TestDocumentFilesStoredAndRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	doc := &domain.Document{
		Header: header("d1"),
		Status: domain.StatusResolved,
		Files:  []domain.FileReference{file("a.pdf"), file("b.pdf")},
	}

	out, err := f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, 2, f.files.transferCount())
	assert.ElementsMatch(t, []string{
		channel.DocumentSavedMessage(doc.Header, "a.pdf", channel.Stored{Ref: "id-a.pdf", Link: channel.DriveViewURL("id-a.pdf")}).Text,
		channel.DocumentSavedMessage(doc.Header, "b.pdf", channel.Stored{Ref: "id-b.pdf", Link: channel.DriveViewURL("id-b.pdf")}).Text,
	}, f.messenger.texts())
	assert.Contains(t, f.files.folders, "root/Ana")
	assert.Contains(t, f.files.folders, "root/Ana/MA-1102")

	for _, ref := range doc.Files {
		ok, err := f.store.FileRecordExists(ctx, f.account.ID, ref.Hash())
		require.NoError(t, err)
		assert.True(t, ok, ref.FileName)
	}
	state, err := f.store.GetNotificationState(ctx, f.account.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, state.DocumentStatus)
}

func TestResolvedDocumentWithAllFilesIsDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	doc := &domain.Document{Header: header("d1"), Status: domain.StatusResolved, Files: []domain.FileReference{file("a.pdf")}}

	_, err := f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	sent, transfers := f.messenger.count(), f.files.transferCount()

	out, err := f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
	assert.Equal(t, sent, f.messenger.count())
	assert.Equal(t, transfers, f.files.transferCount())
}

// An unresolved document first announced without files is reopened once the source reports it resolved.
func TestUnresolvedDocumentRedeliveredWhenResolved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	first := &domain.Document{Header: header("d2"), Status: domain.StatusUnresolved}
	out, err := f.engine.Dispatch(ctx, f.account, first, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, []string{channel.DocumentLinkMessage(first.Header).Text}, f.messenger.texts())

	state, err := f.store.GetNotificationState(ctx, f.account.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnresolved, state.DocumentStatus)

	// still unresolved: duplicate
	out, err = f.engine.Dispatch(ctx, f.account, first, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)

	resolved := &domain.Document{
		Header: header("d2"),
		Status: domain.StatusResolved,
		Files:  []domain.FileReference{file("c.pdf"), file("d.pdf")},
	}
	out, err = f.engine.Dispatch(ctx, f.account, resolved, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Redelivered, out)
	assert.Equal(t, 2, f.files.transferCount())
	assert.Equal(t, 3, f.messenger.count())

	state, err = f.store.GetNotificationState(ctx, f.account.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, state.DocumentStatus)

	// everything recorded: nothing left to do
	out, err = f.engine.Dispatch(ctx, f.account, resolved, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
	assert.Equal(t, 2, f.files.transferCount())
	assert.Equal(t, 3, f.messenger.count())
}

// A failed transfer leaves its hash unrecorded, so the next cycle retries only that file.
func TestFailedTransferRetriedNextCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.files.failNames["b.pdf"] = true
	doc := &domain.Document{
		Header: header("d3"),
		Status: domain.StatusResolved,
		Files:  []domain.FileReference{file("a.pdf"), file("b.pdf")},
	}

	out, err := f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Contains(t, f.messenger.texts(), channel.DocumentLinkMessage(doc.Header).Text)

	ok, err := f.store.FileRecordExists(ctx, f.account.ID, file("b.pdf").Hash())
	require.NoError(t, err)
	assert.False(t, ok)

	// committed as resolved even though b.pdf failed
	state, err := f.store.GetNotificationState(ctx, f.account.ID, "d3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, state.DocumentStatus)

	delete(f.files.failNames, "b.pdf")
	out, err = f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Redelivered, out)
	assert.Equal(t, []string{"a.pdf", "b.pdf", "b.pdf"}, sortedPrefix(f.files.transfers))

	ok, err = f.store.FileRecordExists(ctx, f.account.ID, file("b.pdf").Hash())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFolderFailureFallsBackToLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.files.folderErr = errors.New("drive down")
	doc := &domain.Document{Header: header("d4"), Status: domain.StatusResolved, Files: []domain.FileReference{file("a.pdf")}}

	out, err := f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Zero(t, f.files.transferCount())
	assert.Equal(t, []string{channel.DocumentLinkMessage(doc.Header).Text}, f.messenger.texts())
}

func TestDocumentWithoutStorageSendsLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	engine := New(f.store, f.messenger)
	doc := &domain.Document{Header: header("d5"), Status: domain.StatusResolved, Files: []domain.FileReference{file("a.pdf")}}

	out, err := engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, []string{channel.DocumentLinkMessage(doc.Header).Text}, f.messenger.texts())

	noRoot := f.account
	noRoot.RootFolder = ""
	doc2 := &domain.Document{Header: header("d6"), Status: domain.StatusResolved, Files: []domain.FileReference{file("b.pdf")}}
	_, err = f.engine.Dispatch(ctx, noRoot, doc2, domain.Session{})
	require.NoError(t, err)
	assert.Zero(t, f.files.transferCount())
}

func TestChannelFailureStillCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.messenger.err = errors.New("telegram 502")

	out, err := f.engine.Dispatch(ctx, f.account, &domain.Informational{Header: header("n9")}, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)

	state, err := f.store.GetNotificationState(ctx, f.account.ID, "n9")
	require.NoError(t, err)
	assert.True(t, state.Exists)
}

type failingStore struct {
	Store
	stateErr  error
	insertErr error
	recordErr error
}

func (s failingStore) GetNotificationState(ctx context.Context, accountID, externalID string) (domain.NotificationState, error) {
	if s.stateErr != nil {
		return domain.NotificationState{}, s.stateErr
	}
	return s.Store.GetNotificationState(ctx, accountID, externalID)
}

func (s failingStore) InsertNotification(ctx context.Context, rec domain.NotificationRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.Store.InsertNotification(ctx, rec)
}

func (s failingStore) InsertFileRecord(ctx context.Context, rec domain.FileRecord) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	return s.Store.InsertFileRecord(ctx, rec)
}

func TestStoreErrorsPropagate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("db gone")

	engine := New(failingStore{Store: f.store, stateErr: boom}, f.messenger)
	_, err := engine.Dispatch(ctx, f.account, &domain.Informational{Header: header("n1")}, domain.Session{})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, f.messenger.count())

	engine = New(failingStore{Store: f.store, insertErr: boom}, f.messenger)
	_, err = engine.Dispatch(ctx, f.account, &domain.Informational{Header: header("n2")}, domain.Session{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.messenger.count())
}

func TestFollowUpFor(t *testing.T) {
	t.Parallel()
	h := header("d1")

	_, ok := FollowUpFor(h, UploadResult{Outcome: FileSkipped})
	assert.False(t, ok)

	fu, ok := FollowUpFor(h, UploadResult{Outcome: FileFailed, Stage: StageTransfer})
	require.True(t, ok)
	assert.Equal(t, actionDocFallback, fu.Action)
	assert.Equal(t, channel.DocumentLinkMessage(h), fu.Message)

	stored := channel.Stored{Ref: "x", Link: "https://drive/x"}
	fu, ok = FollowUpFor(h, UploadResult{Outcome: FileStored, File: file("a.pdf"), Stored: stored})
	require.True(t, ok)
	assert.Equal(t, actionDocSaved, fu.Action)
	assert.Equal(t, channel.DocumentSavedMessage(h, "a.pdf", stored), fu.Message)

	fu, ok = FollowUpFor(h, UploadResult{Outcome: FileStored, File: file("a.pdf"), Stored: stored, RecordErr: errors.New("locked")})
	require.True(t, ok)
	assert.Equal(t, actionDocFallback, fu.Action)
}

// A stored file without a record is announced by link; the retry next cycle sends the only "saved".
func TestFileRecordFailureSendsLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	doc := &domain.Document{Header: header("d7"), Status: domain.StatusResolved, Files: []domain.FileReference{file("a.pdf")}}

	engine := New(failingStore{Store: f.store, recordErr: errors.New("disk full")}, f.messenger, WithStorage(f.files))
	out, err := engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, []string{channel.DocumentLinkMessage(doc.Header).Text}, f.messenger.texts())

	out, err = f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Redelivered, out)
	assert.Equal(t, 2, f.files.transferCount())
	saved := channel.DocumentSavedMessage(doc.Header, "a.pdf", channel.Stored{Ref: "id-a.pdf", Link: channel.DriveViewURL("id-a.pdf")}).Text
	assert.Equal(t, []string{channel.DocumentLinkMessage(doc.Header).Text, saved}, f.messenger.texts())
}

func TestPanickingTransferFallsBackToLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.files.panicNames = map[string]bool{"b.pdf": true}
	doc := &domain.Document{
		Header: header("d8"),
		Status: domain.StatusResolved,
		Files:  []domain.FileReference{file("a.pdf"), file("b.pdf")},
	}

	out, err := f.engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.ElementsMatch(t, []string{
		channel.DocumentSavedMessage(doc.Header, "a.pdf", channel.Stored{Ref: "id-a.pdf", Link: channel.DriveViewURL("id-a.pdf")}).Text,
		channel.DocumentLinkMessage(doc.Header).Text,
	}, f.messenger.texts())

	ok, err := f.store.FileRecordExists(ctx, f.account.ID, file("b.pdf").Hash())
	require.NoError(t, err)
	assert.False(t, ok)
}

// barrierStorage holds every Transfer until n of them are in flight.
type barrierStorage struct {
	fakeStorage
	n       int32
	arrived atomic.Int32
	all     chan struct{}
}

func (s *barrierStorage) Transfer(ctx context.Context, file domain.FileReference, folder string, session domain.Session) (channel.Stored, error) {
	if s.arrived.Add(1) == s.n {
		close(s.all)
	}
	select {
	case <-s.all:
	case <-time.After(2 * time.Second):
		return channel.Stored{}, errors.New("transfers did not overlap")
	}
	return s.fakeStorage.Transfer(ctx, file, folder, session)
}

func TestFilePipelinesRunConcurrently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	files := &barrierStorage{n: 3, all: make(chan struct{})}
	engine := New(f.store, f.messenger, WithStorage(files))
	doc := &domain.Document{
		Header: header("d9"),
		Status: domain.StatusResolved,
		Files:  []domain.FileReference{file("a.pdf"), file("b.pdf"), file("c.pdf")},
	}

	out, err := engine.Dispatch(ctx, f.account, doc, domain.Session{})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, 3, files.transferCount())
	assert.NotContains(t, f.messenger.texts(), channel.DocumentLinkMessage(doc.Header).Text)
}

func sortedPrefix(names []string) []string {
	out := append([]string(nil), names...)
	// first cycle runs concurrently; only its order is unspecified
	if len(out) >= 2 && out[0] > out[1] {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

// Package dispatch decides, per notification and per attachment, what still has to be delivered,
// delivers it through the channels and commits the outcome.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tecbrain/internal/channel"
	"tecbrain/internal/domain"
	"tecbrain/internal/metrics"
	logx "tecbrain/pkg/logx"
)

const (
	actionNotice      = "telegram_notice"
	actionEval        = "telegram_eval"
	actionDocSaved    = "telegram_doc_saved"
	actionDocFallback = "telegram_doc_fallback"
	actionDocLink     = "telegram_doc_link"
	actionUpload      = "drive_upload"
	actionFileRecord  = "file_record"
)

const defaultCourseFolder = "General"

// Store is the persisted state the engine reads and commits.
type Store interface {
	GetNotificationState(ctx context.Context, accountID, externalID string) (domain.NotificationState, error)
	InsertNotification(ctx context.Context, rec domain.NotificationRecord) error
	UpdateDocumentStatus(ctx context.Context, accountID, externalID string, status domain.DocumentStatus) error
	FileRecordExists(ctx context.Context, accountID, fileHash string) (bool, error)
	InsertFileRecord(ctx context.Context, rec domain.FileRecord) error
}

// Outcome summarizes one Dispatch call.
type Outcome string

const (
	Delivered   Outcome = "delivered"
	Duplicate   Outcome = "duplicate"
	Redelivered Outcome = "redelivered"
)

type Engine struct {
	store     Store
	messenger channel.Messenger
	storage   channel.FileStorage
	metrics   *metrics.Metrics
	log       logx.Logger
	now       func() time.Time

	fileLimit int
}

type Option func(*Engine)

// WithStorage enables the attachment pipelines. Without it documents are announced by link only.
func WithStorage(s channel.FileStorage) Option { return func(e *Engine) { e.storage = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithFileConcurrency caps parallel pipelines per document; n <= 0 means one goroutine per file.
func WithFileConcurrency(n int) Option { return func(e *Engine) { e.fileLimit = n } }

func New(store Store, messenger channel.Messenger, opts ...Option) *Engine {
	e := &Engine{store: store, messenger: messenger, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "dispatch"))
	return e
}

// Dispatch delivers n for account. Channel failures are logged and absorbed;
// the returned error is always a storage error.
func (e *Engine) Dispatch(ctx context.Context, account domain.Account, n domain.Notification, session domain.Session) (Outcome, error) {
	h := n.Head()
	log := e.log.With(
		logx.String("account_id", account.ID),
		logx.String("external_id", h.ExternalID),
		logx.String("type", string(n.Kind())),
	)

	state, err := e.store.GetNotificationState(ctx, account.ID, h.ExternalID)
	if err != nil {
		return "", err
	}

	doc, isDoc := n.(*domain.Document)
	redeliver := false
	if state.Exists && isDoc {
		redeliver, err = e.shouldRedeliver(ctx, account.ID, doc, state)
		if err != nil {
			return "", err
		}
	}
	if state.Exists && !redeliver {
		log.Debug("duplicate skipped")
		e.metrics.Notification(string(n.Kind()), string(Duplicate))
		return Duplicate, nil
	}
	if redeliver {
		log.Info("document redelivery", logx.String("previous_status", string(state.DocumentStatus)))
	}

	switch v := n.(type) {
	case *domain.Informational:
		e.send(ctx, log, account, actionNotice, channel.NoticeMessage(h))
	case *domain.Evaluation:
		e.send(ctx, log, account, actionEval, channel.EvaluationMessage(h))
	case *domain.Document:
		if e.storage != nil && strings.TrimSpace(account.RootFolder) != "" && len(v.Files) > 0 {
			e.deliverFiles(ctx, log, account, v, session)
		} else {
			e.send(ctx, log, account, actionDocLink, channel.DocumentLinkMessage(h))
		}
	}

	if !state.Exists {
		if err := e.store.InsertNotification(ctx, domain.RecordFor(account.ID, n, e.now())); err != nil {
			return "", err
		}
		e.metrics.Notification(string(n.Kind()), string(Delivered))
		return Delivered, nil
	}
	// redeliver implies the document reports resolved with files.
	if err := e.store.UpdateDocumentStatus(ctx, account.ID, h.ExternalID, domain.StatusResolved); err != nil {
		return "", err
	}
	e.metrics.Notification(string(n.Kind()), string(Redelivered))
	return Redelivered, nil
}

// shouldRedeliver reopens a known document once its file list is final and something is still missing.
func (e *Engine) shouldRedeliver(ctx context.Context, accountID string, doc *domain.Document, state domain.NotificationState) (bool, error) {
	if !doc.ResolvedWithFiles() {
		return false, nil
	}
	if state.DocumentStatus != domain.StatusResolved {
		return true, nil
	}
	return e.hasPendingUploads(ctx, accountID, doc.Files)
}

func (e *Engine) hasPendingUploads(ctx context.Context, accountID string, files []domain.FileReference) (bool, error) {
	for _, f := range files {
		ok, err := e.store.FileRecordExists(ctx, accountID, f.Hash())
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

// deliverFiles runs one pipeline per file and waits for all of them to settle.
func (e *Engine) deliverFiles(ctx context.Context, log logx.Logger, account domain.Account, doc *domain.Document, session domain.Session) []UploadResult {
	results := make([]UploadResult, len(doc.Files))
	var g errgroup.Group
	if e.fileLimit > 0 {
		g.SetLimit(e.fileLimit)
	}
	for i, f := range doc.Files {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					log.Error("file follow-up panicked", logx.String("file", f.FileName), logx.Err(fmt.Errorf("panic: %v", p)), logx.Stack(string(debug.Stack())))
				}
			}()
			r := e.guardedUpload(ctx, log, account, doc.Header, f, session)
			results[i] = r
			e.settle(ctx, log, account, doc.Header, r)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// guardedUpload runs uploadFile; a panic inside it settles the pipeline as failed.
func (e *Engine) guardedUpload(ctx context.Context, log logx.Logger, account domain.Account, h domain.Header, f domain.FileReference, session domain.Session) (r UploadResult) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("file pipeline panicked", logx.String("file", f.FileName), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			r = UploadResult{File: f, Hash: f.Hash(), Outcome: FileFailed, Stage: StagePanic, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return e.uploadFile(ctx, account, h, f, session)
}

func (e *Engine) uploadFile(ctx context.Context, account domain.Account, h domain.Header, f domain.FileReference, session domain.Session) UploadResult {
	r := UploadResult{File: f, Hash: f.Hash()}
	fail := func(stage Stage, err error) UploadResult {
		r.Outcome, r.Stage, r.Err = FileFailed, stage, err
		return r
	}

	exists, err := e.store.FileRecordExists(ctx, account.ID, r.Hash)
	if err != nil {
		return fail(StageLookup, err)
	}
	if exists {
		r.Outcome = FileSkipped
		return r
	}

	accountFolder, err := e.storage.EnsureFolder(ctx, accountFolderName(account), account.RootFolder)
	if err != nil {
		return fail(StageFolder, err)
	}
	courseFolder, err := e.storage.EnsureFolder(ctx, courseFolderName(h.Course), accountFolder)
	if err != nil {
		return fail(StageFolder, err)
	}
	stored, err := e.storage.Transfer(ctx, f, courseFolder, session)
	if err != nil {
		return fail(StageTransfer, err)
	}

	r.Outcome, r.Stored = FileStored, stored
	r.RecordErr = e.store.InsertFileRecord(ctx, domain.FileRecord{
		AccountID:  account.ID,
		FileHash:   r.Hash,
		Course:     h.Course,
		FileName:   f.FileName,
		StorageRef: stored.Ref,
		UploadedAt: e.now(),
	})
	return r
}

// settle logs a pipeline result and sends the follow-up message it maps to.
func (e *Engine) settle(ctx context.Context, log logx.Logger, account domain.Account, h domain.Header, r UploadResult) {
	flog := log.With(logx.String("file", r.File.FileName), logx.String("file_hash", r.Hash))
	e.metrics.File(string(r.Outcome))
	switch r.Outcome {
	case FileSkipped:
		flog.Info("file already uploaded, skipped")
	case FileFailed:
		e.metrics.ChannelError(actionUpload)
		flog.Error("file upload failed",
			logx.String("action", actionUpload),
			logx.String("stage", string(r.Stage)),
			logx.Err(r.Err),
		)
	case FileStored:
		if r.RecordErr != nil {
			e.metrics.ChannelError(actionFileRecord)
			flog.Error("file stored but not recorded", logx.String("action", actionFileRecord), logx.Err(r.RecordErr))
		}
	}
	if fu, ok := FollowUpFor(h, r); ok {
		e.send(ctx, flog, account, fu.Action, fu.Message)
	}
}

func (e *Engine) send(ctx context.Context, log logx.Logger, account domain.Account, action string, msg channel.Message) {
	if err := e.messenger.Send(ctx, account.ChatID, msg); err != nil {
		e.metrics.ChannelError(action)
		log.Error("message delivery failed", logx.String("action", action), logx.Err(err))
	}
}

func accountFolderName(a domain.Account) string {
	if n := strings.TrimSpace(a.Name); n != "" {
		return n
	}
	return a.SourceUsername
}

func courseFolderName(course string) string {
	if c := strings.TrimSpace(course); c != "" {
		return c
	}
	return defaultCourseFolder
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the persisted variant tag of a notification.
type Kind string

const (
	KindInformational Kind = "noticia"
	KindEvaluation    Kind = "evaluacion"
	KindDocument      Kind = "documento"
)

// DocumentStatus tells whether a document's files are known.
type DocumentStatus string

const (
	StatusUnresolved DocumentStatus = "unresolved"
	StatusResolved   DocumentStatus = "resolved"
)

// Valid reports whether s is one of the known statuses.
func (s DocumentStatus) Valid() bool {
	return s == StatusUnresolved || s == StatusResolved
}

// Header is shared by all notification variants.
type Header struct {
	ExternalID  string
	Course      string
	Title       string
	Description string
	Link        string
	Date        string
}

// Notification is a closed sum type: *Informational, *Evaluation or *Document.
type Notification interface {
	Kind() Kind
	Head() Header
	sealed()
}

type Informational struct{ Header }

type Evaluation struct{ Header }

// Document carries attachments. Status may be resolved with an empty Files list.
type Document struct {
	Header
	Status DocumentStatus
	Files  []FileReference
}

func (*Informational) Kind() Kind { return KindInformational }
func (*Evaluation) Kind() Kind    { return KindEvaluation }
func (*Document) Kind() Kind      { return KindDocument }

func (n *Informational) Head() Header { return n.Header }
func (n *Evaluation) Head() Header    { return n.Header }
func (n *Document) Head() Header      { return n.Header }

func (*Informational) sealed() {}
func (*Evaluation) sealed()    {}
func (*Document) sealed()      {}

// ResolvedWithFiles is true when the file list is final and non-empty.
func (d *Document) ResolvedWithFiles() bool {
	return d.Status == StatusResolved && len(d.Files) > 0
}

// FileReference points at one attachment on the source system.
type FileReference struct {
	FileName    string `json:"file_name"`
	DownloadURL string `json:"download_url"`
	SourceURL   string `json:"source_url,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// Hash is the stable identity of a file: hex(sha256(download_url + file_name)).
func (f FileReference) Hash() string {
	sum := sha256.Sum256([]byte(f.DownloadURL + f.FileName))
	return hex.EncodeToString(sum[:])
}

// ContentHash fingerprints a notification body.
func ContentHash(h Header) string {
	sum := sha256.Sum256([]byte(h.ExternalID + ":" + h.Description))
	return hex.EncodeToString(sum[:])
}

// wireNotification is the scraper JSON shape.
type wireNotification struct {
	ExternalID     string          `json:"external_id"`
	Type           string          `json:"type"`
	Course         string          `json:"course"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Link           string          `json:"link"`
	Date           string          `json:"date"`
	DocumentStatus string          `json:"document_status,omitempty"`
	Files          []FileReference `json:"files,omitempty"`
}

// DecodeNotification converts one scraper item into a Notification.
func DecodeNotification(raw json.RawMessage) (Notification, error) {
	var w wireNotification
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if strings.TrimSpace(w.ExternalID) == "" {
		return nil, fmt.Errorf("decode notification: empty external_id")
	}
	h := Header{
		ExternalID:  w.ExternalID,
		Course:      w.Course,
		Title:       w.Title,
		Description: w.Description,
		Link:        w.Link,
		Date:        w.Date,
	}
	switch Kind(w.Type) {
	case KindInformational:
		return &Informational{Header: h}, nil
	case KindEvaluation:
		return &Evaluation{Header: h}, nil
	case KindDocument:
		st := DocumentStatus(w.DocumentStatus)
		if st == "" {
			st = StatusUnresolved
		}
		if !st.Valid() {
			return nil, fmt.Errorf("decode notification %s: unknown document_status %q", w.ExternalID, w.DocumentStatus)
		}
		return &Document{Header: h, Status: st, Files: w.Files}, nil
	default:
		return nil, fmt.Errorf("decode notification %s: unknown type %q", w.ExternalID, w.Type)
	}
}

// NotificationState is what the store knows about a (account, external_id) pair.
type NotificationState struct {
	Exists         bool
	DocumentStatus DocumentStatus // empty when unknown or not a document
}

// NotificationRecord is the persisted form of a delivered notification.
type NotificationRecord struct {
	AccountID      string
	ExternalID     string
	Kind           Kind
	Course         string
	Title          string
	Description    string
	Link           string
	ContentHash    string
	DocumentStatus DocumentStatus
	SentAt         time.Time
}

// RecordFor builds the record committed for n.
func RecordFor(accountID string, n Notification, now time.Time) NotificationRecord {
	h := n.Head()
	rec := NotificationRecord{
		AccountID:   accountID,
		ExternalID:  h.ExternalID,
		Kind:        n.Kind(),
		Course:      h.Course,
		Title:       h.Title,
		Description: h.Description,
		Link:        h.Link,
		ContentHash: ContentHash(h),
		SentAt:      now,
	}
	if d, ok := n.(*Document); ok {
		rec.DocumentStatus = d.Status
	}
	return rec
}

// FileRecord is the persisted proof that one file reached storage.
type FileRecord struct {
	AccountID  string
	FileHash   string
	Course     string
	FileName   string
	StorageRef string
	UploadedAt time.Time
}

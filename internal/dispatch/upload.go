package dispatch

import (
	"tecbrain/internal/channel"
	"tecbrain/internal/domain"
)

// FileOutcome is the settled state of one attachment pipeline.
type FileOutcome string

const (
	FileSkipped FileOutcome = "skipped"
	FileStored  FileOutcome = "stored"
	FileFailed  FileOutcome = "failed"
)

// Stage names the step of a failed pipeline.
type Stage string

const (
	StageLookup   Stage = "lookup"
	StageFolder   Stage = "folder"
	StageTransfer Stage = "transfer"
	StagePanic    Stage = "panic"
)

// UploadResult is what one file pipeline produced. Err is set only when Outcome is FileFailed;
// RecordErr is set when the file was stored but its record could not be written.
type UploadResult struct {
	File      domain.FileReference
	Hash      string
	Outcome   FileOutcome
	Stage     Stage
	Stored    channel.Stored
	Err       error
	RecordErr error
}

// FollowUp is the message owed to the account after a pipeline settles.
type FollowUp struct {
	Action  string
	Message channel.Message
}

// FollowUpFor maps a settled pipeline to its message. Skipped files get none. A stored file
// whose record failed gets the link.
func FollowUpFor(h domain.Header, r UploadResult) (FollowUp, bool) {
	switch r.Outcome {
	case FileStored:
		if r.RecordErr != nil {
			return FollowUp{Action: actionDocFallback, Message: channel.DocumentLinkMessage(h)}, true
		}
		return FollowUp{Action: actionDocSaved, Message: channel.DocumentSavedMessage(h, r.File.FileName, r.Stored)}, true
	case FileFailed:
		return FollowUp{Action: actionDocFallback, Message: channel.DocumentLinkMessage(h)}, true
	default:
		return FollowUp{}, false
	}
}

// Package drive stores attachments in Google Drive.
package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"tecbrain/internal/channel"
	"tecbrain/internal/domain"
	logx "tecbrain/pkg/logx"
)

const (
	channelName = "drive"
	folderMime  = "application/vnd.google-apps.folder"
)

type Config struct {
	CredentialsPath string
	// Endpoint overrides the API base URL (tests).
	Endpoint string
}

type Storage struct {
	svc      *gdrive.Service
	download *http.Client
	log      logx.Logger
}

// New authenticates with a service account file. Extra options are appended (tests pass WithHTTPClient).
func New(ctx context.Context, cfg Config, download *http.Client, log logx.Logger, extra ...option.ClientOption) (*Storage, error) {
	opts := make([]option.ClientOption, 0, 3+len(extra))
	if p := strings.TrimSpace(cfg.CredentialsPath); p != "" {
		opts = append(opts, option.WithCredentialsFile(p), option.WithScopes(gdrive.DriveFileScope))
	}
	if e := strings.TrimSpace(cfg.Endpoint); e != "" {
		opts = append(opts, option.WithEndpoint(e))
	}
	opts = append(opts, extra...)
	if len(opts) == 0 {
		return nil, errors.New("drive credentials path is required")
	}

	svc, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	if download == nil {
		download = &http.Client{Timeout: channel.DefaultDownloadTimeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Storage{svc: svc, download: download, log: log.With(logx.String("comp", "drive"))}, nil
}

// EnsureFolder returns the first non-trashed folder called name under parent, creating it when missing.
func (s *Storage) EnsureFolder(ctx context.Context, name, parent string) (string, error) {
	list, err := s.svc.Files.List().
		Q(folderQuery(name, parent)).
		Fields("files(id, name)").
		Spaces("drive").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", apiErr("find_folder", err)
	}
	if len(list.Files) > 0 && list.Files[0].Id != "" {
		return list.Files[0].Id, nil
	}

	s.log.Info("creating folder", logx.String("name", name), logx.String("parent", parent))
	f, err := s.svc.Files.Create(&gdrive.File{Name: name, MimeType: folderMime, Parents: []string{parent}}).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", apiErr("create_folder", err)
	}
	if f.Id == "" {
		return "", channel.Wrap(channelName, "create_folder", fmt.Errorf("no id returned for folder %q", name))
	}
	return f.Id, nil
}

// Transfer streams the download straight into a Drive upload.
func (s *Storage) Transfer(ctx context.Context, file domain.FileReference, folder string, session domain.Session) (channel.Stored, error) {
	dl, err := channel.Fetch(ctx, s.download, file, session)
	if err != nil {
		return channel.Stored{}, channel.Wrap(channelName, "download", err)
	}
	defer dl.Body.Close()

	f, err := s.svc.Files.Create(&gdrive.File{Name: file.FileName, Parents: []string{folder}}).
		Media(dl.Body, googleapi.ContentType(dl.ContentType)).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return channel.Stored{}, apiErr("upload", err)
	}
	if f.Id == "" {
		return channel.Stored{}, channel.Wrap(channelName, "upload", fmt.Errorf("no id returned for %q", file.FileName))
	}
	return channel.Stored{Ref: f.Id, Link: channel.DriveViewURL(f.Id)}, nil
}

// apiErr wraps a Drive API failure; a 404 also matches channel.ErrNotFound.
func apiErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		err = fmt.Errorf("%w: %w", channel.ErrNotFound, err)
	}
	return channel.Wrap(channelName, op, err)
}

func folderQuery(name, parent string) string {
	return strings.Join([]string{
		"name = '" + escapeQuery(name) + "'",
		"mimeType = '" + folderMime + "'",
		"'" + escapeQuery(parent) + "' in parents",
		"trashed = false",
	}, " and ")
}

// escapeQuery escapes a value for a single-quoted Drive query literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

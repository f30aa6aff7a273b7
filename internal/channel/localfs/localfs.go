// Package localfs stores attachments in a directory tree. It stands in for Drive on a dev box.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"tecbrain/internal/channel"
	"tecbrain/internal/domain"
)

const name = "localfs"

type Storage struct {
	root   string
	client *http.Client
}

// New roots the tree at dir, creating it if needed.
func New(dir string, client *http.Client) (*Storage, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("localfs root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: channel.DefaultDownloadTimeout}
	}
	return &Storage{root: abs, client: client}, nil
}

// EnsureFolder creates name under parent. References are slash paths relative to the root.
func (s *Storage) EnsureFolder(ctx context.Context, folder, parent string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", channel.Wrap(name, "ensure_folder", err)
	}
	clean := sanitize(folder)
	if clean == "" {
		return "", channel.Wrap(name, "ensure_folder", fmt.Errorf("invalid folder name %q", folder))
	}
	ref := filepath.ToSlash(filepath.Join(parentPath(parent), clean))
	if err := os.MkdirAll(s.abs(ref), 0o755); err != nil {
		return "", channel.Wrap(name, "ensure_folder", err)
	}
	return ref, nil
}

func (s *Storage) Transfer(ctx context.Context, file domain.FileReference, folder string, session domain.Session) (channel.Stored, error) {
	fileName := sanitize(file.FileName)
	if fileName == "" {
		return channel.Stored{}, channel.Wrap(name, "transfer", fmt.Errorf("invalid file name %q", file.FileName))
	}
	dl, err := channel.Fetch(ctx, s.client, file, session)
	if err != nil {
		return channel.Stored{}, channel.Wrap(name, "download", err)
	}
	defer dl.Body.Close()

	ref := filepath.ToSlash(filepath.Join(parentPath(folder), fileName))
	dst := s.abs(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return channel.Stored{}, channel.Wrap(name, "transfer", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return channel.Stored{}, channel.Wrap(name, "transfer", err)
	}
	if _, err := io.Copy(tmp, dl.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return channel.Stored{}, channel.Wrap(name, "transfer", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return channel.Stored{}, channel.Wrap(name, "transfer", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return channel.Stored{}, channel.Wrap(name, "transfer", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}
	return channel.Stored{Ref: ref, Link: u.String()}, nil
}

func (s *Storage) abs(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

// parentPath keeps a reference inside the root.
func parentPath(ref string) string {
	parts := strings.Split(filepath.ToSlash(ref), "/")
	kept := parts[:0]
	for _, p := range parts {
		if p = sanitize(p); p != "" {
			kept = append(kept, p)
		}
	}
	return filepath.Join(kept...)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return ""
	}
	return s
}

package channel

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"tecbrain/internal/domain"
)

// DefaultDownloadTimeout bounds one attachment download.
const DefaultDownloadTimeout = 60 * time.Second

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// Download is an open attachment body. Close it when done.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Fetch downloads file.DownloadURL with the session cookies attached.
func Fetch(ctx context.Context, client *http.Client, file domain.FileReference, session domain.Session) (*Download, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	session.Apply(req)
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", file.FileName, err)
	}
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download %s: http %d", file.FileName, resp.StatusCode)
	}
	return &Download{Body: resp.Body, ContentType: contentType(resp.Header.Get("Content-Type"), file), Size: resp.ContentLength}, nil
}

func contentType(header string, file domain.FileReference) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "" {
		return mt
	}
	if strings.TrimSpace(file.MimeType) != "" {
		return file.MimeType
	}
	return "application/octet-stream"
}

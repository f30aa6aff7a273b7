package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tecbrain/internal/domain"
	logx "tecbrain/pkg/logx"
)

const (
	DefaultBaseURL      = "http://scraper:3001"
	DefaultFetchTimeout = 120 * time.Second

	maxResponseBytes = 32 << 20
)

type ScraperConfig struct {
	BaseURL string
	// Timeout bounds one fetch, including scraping time on the service side.
	Timeout  time.Duration
	Keywords []string
}

// Scraper talks to the scraper service: POST {base}/scrape/{accountID}.
type Scraper struct {
	cfg    ScraperConfig
	client *http.Client
	log    logx.Logger
}

func NewScraper(cfg ScraperConfig, client *http.Client, log logx.Logger) *Scraper {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scraper{cfg: cfg, client: client, log: log.With(logx.String("comp", "source"))}
}

type scrapeRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Keywords []string `json:"keywords,omitempty"`
}

type scrapeResponse struct {
	Status        string            `json:"status"`
	UserID        string            `json:"user_id"`
	Notifications []json.RawMessage `json:"notifications"`
	Cookies       []domain.Cookie   `json:"cookies"`
	Error         string            `json:"error,omitempty"`
}

func (s *Scraper) Fetch(ctx context.Context, account domain.Account, password string) (Result, error) {
	fail := func(op string, status int, err error) (Result, error) {
		return Result{}, &Error{AccountID: account.ID, Op: op, Status: status, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(scrapeRequest{Username: account.SourceUsername, Password: password, Keywords: s.cfg.Keywords})
	if err != nil {
		return fail("encode", 0, err)
	}
	endpoint := s.cfg.BaseURL + "/scrape/" + url.PathEscape(account.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fail("request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fail("scrape", 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail("read", resp.StatusCode, err)
	}
	var out scrapeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode/100 != 2 {
			return fail("scrape", resp.StatusCode, errors.New(strings.TrimSpace(truncate(string(raw), 200))))
		}
		return fail("decode", resp.StatusCode, err)
	}
	if out.Status == "error" || resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = "unknown scraper error"
		}
		return fail("scrape", resp.StatusCode, errors.New(msg))
	}
	if out.Status != "success" {
		return fail("decode", resp.StatusCode, fmt.Errorf("unexpected status %q", out.Status))
	}

	res := Result{Session: domain.Session{Cookies: out.Cookies}}
	res.Notifications = make([]domain.Notification, 0, len(out.Notifications))
	for i, item := range out.Notifications {
		n, err := domain.DecodeNotification(item)
		if err != nil {
			res.Skipped++
			s.log.Warn("notification skipped", logx.String("account_id", account.ID), logx.Int("index", i), logx.Err(err))
			continue
		}
		res.Notifications = append(res.Notifications, n)
	}
	s.log.Debug("fetched",
		logx.String("account_id", account.ID),
		logx.Int("notifications", len(res.Notifications)),
		logx.Int("skipped", res.Skipped),
		logx.Duration("took", time.Since(started)),
	)
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package domain

import (
	"net/http"
	"strings"
	"time"
)

// Account is one monitored source login and where its notifications go.
type Account struct {
	ID             string
	Name           string
	SourceUsername string
	// CredentialRef is either an encrypted blob ("ivhex:cipherhex") or "keyring:<key>".
	CredentialRef string
	ChatID        int64
	// RootFolder is the storage folder reference; empty disables file storage for the account.
	RootFolder string
	Active     bool
	CreatedAt  time.Time
}

// Cookie is one session cookie handed back by the source.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Session is the authenticated context needed to download attachments.
type Session struct {
	Cookies []Cookie
}

// CookieHeader renders the session as a Cookie request header value.
func (s Session) CookieHeader() string {
	parts := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Apply sets the Cookie header on req when the session has cookies.
func (s Session) Apply(req *http.Request) {
	if h := s.CookieHeader(); h != "" {
		req.Header.Set("Cookie", h)
	}
}

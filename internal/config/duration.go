package config

import (
	"fmt"
	"strings"
	"time"
)

// durationKeys lists every Go-duration string in the config with its key path.
func durationKeys(cfg *Config) []struct{ path, raw string } {
	return []struct{ path, raw string }{
		{"telegram.request_timeout", cfg.Telegram.RequestTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"drive.download_timeout", cfg.Drive.DownloadTimeout},
		{"source.fetch_timeout", cfg.Source.FetchTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
}

// ParseDurationField parses raw as a non-negative Go duration. Blank is zero; path prefixes errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tecbrain/internal/scheduler"
)

// Validate rejects configs that cannot start the relay. It is also the reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	if !isSet(cfg.Telegram.Token) {
		add(errors.New("telegram.token: required (or TELEGRAM_BOT_TOKEN)"))
	}
	if cfg.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if !isSet(cfg.Storage.DSN) {
			add(errors.New("storage.dsn: required for postgres (or DATABASE_URL)"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Drive.Driver)) {
	case "", "none":
	case "google":
		if !isSet(cfg.Drive.CredentialsPath) {
			add(errors.New("drive.credentials_path: required for google (or GOOGLE_DRIVE_CREDENTIALS_PATH)"))
		}
	case "local":
		if !isSet(cfg.Drive.LocalRoot) {
			add(errors.New("drive.local_root: required for local"))
		}
	default:
		add(fmt.Errorf("drive.driver: unknown driver %q", cfg.Drive.Driver))
	}
	if cfg.Drive.FileConcurrency < 0 {
		add(errors.New("drive.file_concurrency: must be >= 0"))
	}

	if _, err := scheduler.Parse(cfg.Orchestrator.Schedule); err != nil {
		add(fmt.Errorf("orchestrator.schedule: %w", err))
	}
	if cfg.Orchestrator.Concurrency < 0 {
		add(errors.New("orchestrator.concurrency: must be >= 0"))
	}

	if k := strings.TrimSpace(cfg.Credentials.EncryptionKey); k != "" && len(k) != 64 {
		add(errors.New("credentials.encryption_key: must be 64 hex characters"))
	}

	for _, k := range durationKeys(cfg) {
		_, err := ParseDurationField(k.path, k.raw)
		add(err)
	}

	return errors.Join(errs...)
}

// Validator adapts Validate to ConfigManager.SetValidator.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }

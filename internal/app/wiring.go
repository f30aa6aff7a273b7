package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tecbrain/internal/channel"
	"tecbrain/internal/channel/drive"
	"tecbrain/internal/channel/localfs"
	"tecbrain/internal/channel/telegram"
	"tecbrain/internal/config"
	"tecbrain/internal/credential"
	"tecbrain/internal/ops"
	"tecbrain/internal/orchestrator"
	"tecbrain/internal/scheduler"
	"tecbrain/internal/source"
	"tecbrain/internal/storage"
	logx "tecbrain/pkg/logx"
)

const defaultSQLitePath = "./data/tecbrain.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.request_timeout", cfg.Telegram.RequestTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		APIURL:         cfg.Telegram.APIURL,
		RatePerSec:     cfg.Telegram.RatePerSec,
		RequestTimeout: timeout,
		DisablePreview: cfg.Telegram.DisablePreview,
	}, nil
}

// newFileStorage returns nil when attachments are not copied anywhere.
func newFileStorage(ctx context.Context, cfg *config.Config, log logx.Logger) (channel.FileStorage, error) {
	dc := cfg.Drive
	timeout, err := config.ParseDurationOrDefault("drive.download_timeout", dc.DownloadTimeout, channel.DefaultDownloadTimeout)
	if err != nil {
		return nil, err
	}
	download := &http.Client{Timeout: timeout}

	switch strings.ToLower(strings.TrimSpace(dc.Driver)) {
	case "", "none":
		return nil, nil
	case "google":
		st, err := drive.New(ctx, drive.Config{CredentialsPath: dc.CredentialsPath, Endpoint: dc.Endpoint}, download, log)
		if err != nil {
			return nil, err
		}
		return channel.NewFolderCache(st), nil
	case "local":
		st, err := localfs.New(dc.LocalRoot, download)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown drive.driver: %s", dc.Driver)
	}
}

func mapSourceConfig(cfg *config.Config) (source.ScraperConfig, error) {
	timeout, err := config.ParseDurationOrDefault("source.fetch_timeout", cfg.Source.FetchTimeout, source.DefaultFetchTimeout)
	if err != nil {
		return source.ScraperConfig{}, err
	}
	return source.ScraperConfig{
		BaseURL:  cfg.Source.BaseURL,
		Timeout:  timeout,
		Keywords: cfg.Source.Keywords,
	}, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	sc, err := mapSourceConfig(cfg)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Concurrency:  cfg.Orchestrator.Concurrency,
		FetchTimeout: sc.Timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Schedule:   cfg.Orchestrator.Schedule,
		RunOnStart: cfg.Orchestrator.ShouldRunOnStart(),
		Timezone:   cfg.Orchestrator.Timezone,
	}
}

// mapOpsConfig reports false when the ops server is disabled.
func mapOpsConfig(cfg *config.Config) (ops.Config, bool, error) {
	oc := cfg.Ops
	if !oc.Enabled {
		return ops.Config{}, false, nil
	}
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 15*time.Second)
	if err != nil {
		return ops.Config{}, false, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, false, err
	}
	out := ops.Config{
		Addr:        oc.Addr,
		Token:       oc.Token,
		Pprof:       oc.Pprof,
		ReadTimeout: read,
		IdleTimeout: idle,
	}
	if err := ops.CheckExposure(out); err != nil {
		return ops.Config{}, false, err
	}
	return out, true, nil
}

func newResolver(cfg *config.Config) (*credential.Resolver, error) {
	var c *credential.Cipher
	if k := strings.TrimSpace(cfg.Credentials.EncryptionKey); k != "" {
		var err error
		if c, err = credential.NewCipher(k); err != nil {
			return nil, fmt.Errorf("credentials.encryption_key: %w", err)
		}
	}
	return credential.NewResolver(c, credential.WithKeyringDir(cfg.Credentials.KeyringDir)), nil
}

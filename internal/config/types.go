package config

// Config is the file-backed configuration. Secrets may be left out of the file and supplied
// through the environment; see ApplyEnv.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Telegram     TelegramConfig     `json:"telegram"`
	Storage      StorageConfig      `json:"storage"`
	Drive        DriveConfig        `json:"drive"`
	Source       SourceConfig       `json:"source"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Credentials  CredentialsConfig  `json:"credentials"`
	Ops          OpsConfig          `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty" env:"TELEGRAM_BOT_TOKEN"`
	APIURL string `json:"api_url,omitempty"`
	// RatePerSec caps outgoing messages; 0 means 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// RequestTimeout is a Go duration string; default 15s.
	RequestTimeout string `json:"request_timeout,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Examples:
//
//	"storage": { "driver": "sqlite", "path": "./tecbrain.db" }
//	"storage": { "driver": "postgres" }   // DSN from DATABASE_URL
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty" env:"DATABASE_URL"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DriveConfig selects where attachments are copied. Driver is "google", "local" or "none".
type DriveConfig struct {
	Driver          string `json:"driver"`
	CredentialsPath string `json:"credentials_path,omitempty" env:"GOOGLE_DRIVE_CREDENTIALS_PATH"`
	Endpoint        string `json:"endpoint,omitempty"`
	LocalRoot       string `json:"local_root,omitempty"`
	// DownloadTimeout bounds each attachment download; default 60s.
	DownloadTimeout string `json:"download_timeout,omitempty"`
	// FileConcurrency caps parallel uploads per document; 0 is one per file.
	FileConcurrency int `json:"file_concurrency,omitempty"`
}

type SourceConfig struct {
	BaseURL      string   `json:"base_url,omitempty" env:"SCRAPER_URL"`
	FetchTimeout string   `json:"fetch_timeout,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

type OrchestratorConfig struct {
	// Schedule is cron, a Go duration or HH:MM; default "*/5 * * * *".
	Schedule    string `json:"schedule,omitempty" env:"CRON_SCHEDULE"`
	Timezone    string `json:"timezone,omitempty"`
	Concurrency int    `json:"concurrency,omitempty" env:"CORE_CONCURRENCY"`
	// RunOnStart is a pointer so an omitted key keeps the default (true).
	RunOnStart *bool `json:"run_on_start,omitempty"`
}

// ShouldRunOnStart resolves the run_on_start default.
func (o OrchestratorConfig) ShouldRunOnStart() bool {
	return o.RunOnStart == nil || *o.RunOnStart
}

type CredentialsConfig struct {
	// EncryptionKey is 64 hex chars (AES-256). Prefer DB_ENCRYPTION_KEY over the file.
	EncryptionKey string `json:"encryption_key,omitempty" env:"DB_ENCRYPTION_KEY"`
	KeyringDir    string `json:"keyring_dir,omitempty"`
}

// OpsConfig controls the operations HTTP server.
//
// Security note: pprof is only mounted when Pprof is true; keep Addr on loopback or set Token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // bearer token for /api and pprof (do not log)
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tecbrain/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and safe fields for a log line.
// Tokens, DSNs and keys are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.APIURL != nt.APIURL || ot.RatePerSec != nt.RatePerSec || ot.RequestTimeout != nt.RequestTimeout ||
		ot.DisablePreview != nt.DisablePreview || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Secret("telegram.token", nt.Token),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
			logx.String("telegram.request_timeout", strings.TrimSpace(nt.RequestTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", isSet(newCfg.Storage.Path)),
			logx.Secret("storage.dsn", newCfg.Storage.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Drive, newCfg.Drive) {
		changed = append(changed, "drive")
		attrs = append(attrs,
			logx.String("drive.driver", strings.TrimSpace(newCfg.Drive.Driver)),
			logx.Secret("drive.credentials", newCfg.Drive.CredentialsPath),
			logx.Int("drive.file_concurrency", newCfg.Drive.FileConcurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.base_url", newCfg.Source.BaseURL),
			logx.String("source.fetch_timeout", newCfg.Source.FetchTimeout),
			logx.Int("source.keywords", len(newCfg.Source.Keywords)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.String("orchestrator.schedule", newCfg.Orchestrator.Schedule),
			logx.Int("orchestrator.concurrency", newCfg.Orchestrator.Concurrency),
			logx.Bool("orchestrator.run_on_start", newCfg.Orchestrator.ShouldRunOnStart()),
		)
	}

	if oldCfg.Credentials != newCfg.Credentials {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Secret("credentials.key", newCfg.Credentials.EncryptionKey),
			logx.Bool("credentials.keyring_dir_set", isSet(newCfg.Credentials.KeyringDir)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Secret("ops.token", newCfg.Ops.Token),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired names changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "orchestrator":
		default:
			out = append(out, s)
		}
	}
	return out
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }

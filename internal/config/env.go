package config

import (
	"errors"
	"fmt"
	"os"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave file values alone.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{})
}

func applyEnv(cfg *Config, opts env.Options) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from path (optional) and applies environment
// overrides on top. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.Normalize()
	return cfg, nil
}

// applyEnv merges DIGMA_* environment variables over the file values.
// Environment always wins, matching the precedence the host installer relies on.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DIGMA_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("DIGMA_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("DIGMA_AUTH_HEADER"); v != "" {
		cfg.AuthHeader = v
	}
	if v := os.Getenv("DIGMA_ACCOUNTS_DIR"); v != "" {
		cfg.AccountsDir = v
	}
	if v := os.Getenv("DIGMA_ENCRYPTION_SECRET"); v != "" {
		cfg.EncryptionSecret = v
	}
	if v := os.Getenv("DIGMA_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("DIGMA_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v := os.Getenv("DIGMA_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DIGMA_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RefreshInterval = Duration(d)
		}
	}
}

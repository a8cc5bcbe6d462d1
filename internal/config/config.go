package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vedran77/chatsync/internal/retry"
)

const envPrefix = "CHATSYNC_"

type Config struct {
	API struct {
		BaseURL string `koanf:"base_url"`
	} `koanf:"api"`
	WS struct {
		URL string `koanf:"url"`
	} `koanf:"ws"`
	Auth struct {
		Token string `koanf:"token"`
	} `koanf:"auth"`
	HTTP struct {
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"http"`
	History struct {
		FetchTimeout time.Duration `koanf:"fetch_timeout"`
	} `koanf:"history"`
	Send struct {
		ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
	} `koanf:"send"`
	Upload struct {
		MaxSize int64 `koanf:"max_size"`
	} `koanf:"upload"`
	Reconnect struct {
		Enabled bool `koanf:"enabled"`
		retry.Config `koanf:",squash"`
	} `koanf:"reconnect"`
	Refresh struct {
		Rate  float64 `koanf:"rate"`
		Burst int     `koanf:"burst"`
	} `koanf:"refresh"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
	Metrics struct {
		Addr string `koanf:"addr"`
	} `koanf:"metrics"`
}

func defaults() map[string]any {
	backoff := retry.DefaultConfig()
	return map[string]any{
		"api.base_url":          "http://localhost:8080",
		"ws.url":                "ws://localhost:8080/ws",
		"auth.token":            "",
		"http.timeout":          "15s",
		"history.fetch_timeout": "10s",
		"send.confirm_timeout":  "30s",
		"upload.max_size":       25 << 20,
		"reconnect.enabled":     true,
		"reconnect.max_retries": backoff.MaxRetries,
		"reconnect.base_delay":  backoff.BaseDelay.String(),
		"reconnect.max_delay":   backoff.MaxDelay.String(),
		"reconnect.multiplier":  backoff.Multiplier,
		"reconnect.jitter":      backoff.Jitter,
		"refresh.rate":          1.0,
		"refresh.burst":         3,
		"log.level":             "info",
		"metrics.addr":          "",
	}
}

// Load merges defaults, an optional TOML file and CHATSYNC_* environment
// variables, in that order of precedence. An empty path tries the default
// locations and skips missing files.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	} else {
		for _, candidate := range []string{"./chatsync.toml", "$HOME/.chatsync.toml"} {
			candidate = os.ExpandEnv(candidate)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := k.Load(file.Provider(candidate), toml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config %s: %w", candidate, err)
			}
			break
		}
	}

	// CHATSYNC_API__BASE_URL -> api.base_url ("__" separates sections)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(key, "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url is required")
	}
	if c.WS.URL == "" {
		return fmt.Errorf("config: ws.url is required")
	}
	if c.HTTP.Timeout <= 0 || c.History.FetchTimeout <= 0 {
		return fmt.Errorf("config: http.timeout and history.fetch_timeout must be positive")
	}
	if c.Refresh.Rate <= 0 || c.Refresh.Burst <= 0 {
		return fmt.Errorf("config: refresh.rate and refresh.burst must be positive")
	}
	return nil
}

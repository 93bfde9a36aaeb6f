package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pool.MinSize != 1 || cfg.Pool.MaxSize != 3 {
		t.Fatalf("expected default pool sizes 1..3, got %d..%d", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	}
	if got := cfg.Fetch.AttemptTimeout(); got != 90*time.Second {
		t.Fatalf("expected attempt timeout 90s, got %v", got)
	}
	if got := cfg.Browser.NavTimeout(); got != 30*time.Second {
		t.Fatalf("expected nav timeout 30s, got %v", got)
	}
	if got := cfg.Fetch.RetryDelay(); got != time.Second {
		t.Fatalf("expected retry delay 1s, got %v", got)
	}
	if got := cfg.Cookies.MaxIdle(); got != time.Hour {
		t.Fatalf("expected cookie max idle 1h, got %v", got)
	}
	if cfg.Flare.Enabled {
		t.Fatal("expected flaresolverr disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
pool:
  min_size: 2
  max_size: 5
  max_age_seconds: 600
  max_uses: 10
  sweep_interval_seconds: 15
browser:
  headless: false
  user_agent: fetcher-agent
  nav_timeout_seconds: 45
fetch:
  attempt_timeout_seconds: 120
  default_wait_min: 2
  default_wait_max: 4
  default_concurrency: 8
  default_retries: 1
  max_urls_per_job: 200
flaresolverr:
  enabled: true
  url: http://flaresolverr:8191
  timeout_seconds: 60
cookies:
  ttl_seconds: 900
jobs:
  max_age_hours: 6
  janitor_interval_minutes: 10
ratelimit:
  enabled: false
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Pool.MinSize != 2 || cfg.Pool.MaxSize != 5 || cfg.Pool.MaxUses != 10 {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if got := cfg.Pool.MaxAge(); got != 10*time.Minute {
		t.Fatalf("expected pool max age 10m, got %v", got)
	}
	if cfg.Browser.Headless || cfg.Browser.UserAgent != "fetcher-agent" {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Fetch.DefaultConcurrency != 8 || cfg.Fetch.MaxURLsPerJob != 200 {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if !cfg.Flare.Enabled || cfg.Flare.URL != "http://flaresolverr:8191" {
		t.Fatalf("expected flaresolverr overrides to apply: %+v", cfg.Flare)
	}
	if got := cfg.Cookies.TTL(); got != 15*time.Minute {
		t.Fatalf("expected cookie ttl 15m, got %v", got)
	}
	if got := cfg.Jobs.MaxAge(); got != 6*time.Hour {
		t.Fatalf("expected job max age 6h, got %v", got)
	}
	if cfg.RateLimit.Enabled {
		t.Fatal("expected rate limit disabled")
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Pool:    PoolConfig{MinSize: 1, MaxSize: 3, MaxUses: 50},
		Browser: BrowserConfig{NavTimeoutSec: 30},
		Fetch:   FetchConfig{AttemptTimeoutSec: 90, DefaultWaitMin: 1, DefaultWaitMax: 3, MaxURLsPerJob: 1000},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "pool max below min",
			cfg: func() Config {
				c := base
				c.Pool.MinSize = 4
				return c
			}(),
			want: "pool.max_size",
		},
		{
			name: "invalid max uses",
			cfg: func() Config {
				c := base
				c.Pool.MaxUses = 0
				return c
			}(),
			want: "pool.max_uses",
		},
		{
			name: "invalid nav timeout",
			cfg: func() Config {
				c := base
				c.Browser.NavTimeoutSec = 0
				return c
			}(),
			want: "browser.nav_timeout_seconds",
		},
		{
			name: "wait max below wait min",
			cfg: func() Config {
				c := base
				c.Fetch.DefaultWaitMin = 5
				return c
			}(),
			want: "fetch.default_wait_max",
		},
		{
			name: "flaresolverr missing url",
			cfg: func() Config {
				c := base
				c.Flare.Enabled = true
				return c
			}(),
			want: "flaresolverr.url",
		},
		{
			name: "prefer_http without flaresolverr",
			cfg: func() Config {
				c := base
				c.Fetch.PreferHTTP = true
				return c
			}(),
			want: "prefer_http",
		},
		{
			name: "ratelimit missing rps",
			cfg: func() Config {
				c := base
				c.RateLimit.Enabled = true
				return c
			}(),
			want: "ratelimit.rps",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

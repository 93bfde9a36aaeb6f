// Package config loads and validates fetcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Flare     FlareConfig     `mapstructure:"flaresolverr"`
	Cookies   CookiesConfig   `mapstructure:"cookies"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeoutSec  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int `mapstructure:"write_timeout_seconds"`
	ShutdownSec     int `mapstructure:"shutdown_seconds"`
}

// PoolConfig governs the shared browser pool.
type PoolConfig struct {
	MinSize          int `mapstructure:"min_size"`
	MaxSize          int `mapstructure:"max_size"`
	MaxAgeSeconds    int `mapstructure:"max_age_seconds"`
	MaxUses          int `mapstructure:"max_uses"`
	SweepIntervalSec int `mapstructure:"sweep_interval_seconds"`
}

// BrowserConfig configures individual browser instances.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// FetchConfig sets per-job defaults and hard limits for fetch work.
type FetchConfig struct {
	AttemptTimeoutSec  int `mapstructure:"attempt_timeout_seconds"`
	DefaultWaitMin     int `mapstructure:"default_wait_min"`
	DefaultWaitMax     int `mapstructure:"default_wait_max"`
	DefaultConcurrency int `mapstructure:"default_concurrency"`
	DefaultRetries     int `mapstructure:"default_retries"`
	MaxURLsPerJob      int `mapstructure:"max_urls_per_job"`
	// PreferHTTP routes fetches through the cookie-replay HTTP client
	// instead of headless browsers. Requires FlareSolverr.
	PreferHTTP bool `mapstructure:"prefer_http"`
	// DomainRPS caps request rate per target domain. Zero disables the cap.
	DomainRPS   float64 `mapstructure:"domain_rps"`
	DomainBurst int     `mapstructure:"domain_burst"`
	// RetryDelaySec is the fixed pause between attempts on the HTTP fetch
	// path. The browser path backs off exponentially instead.
	RetryDelaySec int `mapstructure:"retry_delay_seconds"`
}

// FlareConfig points at an optional FlareSolverr sidecar used to mint
// clearance cookies for challenge-protected sites.
type FlareConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// CookiesConfig controls the clearance-cookie cache.
type CookiesConfig struct {
	TTLSeconds       int `mapstructure:"ttl_seconds"`
	MaxIdleSeconds   int `mapstructure:"max_idle_seconds"`
	SweepIntervalSec int `mapstructure:"sweep_interval_seconds"`
}

// JobsConfig controls retention of finished jobs.
type JobsConfig struct {
	MaxAgeHours        int `mapstructure:"max_age_hours"`
	JanitorIntervalMin int `mapstructure:"janitor_interval_minutes"`
}

// RateLimitConfig throttles inbound API requests.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 120)
	v.SetDefault("server.shutdown_seconds", 30)
	v.SetDefault("pool.min_size", 1)
	v.SetDefault("pool.max_size", 3)
	v.SetDefault("pool.max_age_seconds", 3600)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.sweep_interval_seconds", 60)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("fetch.attempt_timeout_seconds", 90)
	v.SetDefault("fetch.default_wait_min", 1)
	v.SetDefault("fetch.default_wait_max", 3)
	v.SetDefault("fetch.default_concurrency", 5)
	v.SetDefault("fetch.default_retries", 2)
	v.SetDefault("fetch.max_urls_per_job", 1000)
	v.SetDefault("fetch.prefer_http", false)
	v.SetDefault("fetch.domain_rps", 0)
	v.SetDefault("fetch.domain_burst", 1)
	v.SetDefault("fetch.retry_delay_seconds", 1)
	v.SetDefault("flaresolverr.enabled", false)
	v.SetDefault("flaresolverr.url", "http://localhost:8191")
	v.SetDefault("flaresolverr.timeout_seconds", 120)
	v.SetDefault("cookies.ttl_seconds", 1800)
	v.SetDefault("cookies.max_idle_seconds", 3600)
	v.SetDefault("cookies.sweep_interval_seconds", 300)
	v.SetDefault("jobs.max_age_hours", 24)
	v.SetDefault("jobs.janitor_interval_minutes", 60)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 10)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MinSize < 0 {
		return fmt.Errorf("pool.min_size must be >= 0")
	}
	if c.Pool.MaxSize <= 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool.max_size must be >= pool.min_size and > 0")
	}
	if c.Pool.MaxUses <= 0 {
		return fmt.Errorf("pool.max_uses must be > 0")
	}
	if c.Browser.NavTimeoutSec <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Fetch.AttemptTimeoutSec <= 0 {
		return fmt.Errorf("fetch.attempt_timeout_seconds must be > 0")
	}
	if c.Fetch.DefaultWaitMin < 0 || c.Fetch.DefaultWaitMax < c.Fetch.DefaultWaitMin {
		return fmt.Errorf("fetch.default_wait_max must be >= fetch.default_wait_min >= 0")
	}
	if c.Fetch.MaxURLsPerJob <= 0 {
		return fmt.Errorf("fetch.max_urls_per_job must be > 0")
	}
	if c.Flare.Enabled && c.Flare.URL == "" {
		return fmt.Errorf("flaresolverr.url must be set when flaresolverr is enabled")
	}
	if c.Fetch.PreferHTTP && !c.Flare.Enabled {
		return fmt.Errorf("fetch.prefer_http requires flaresolverr to be enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when ratelimit is enabled")
	}
	return nil
}

// NavTimeout returns the per-navigation deadline as a duration.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// AttemptTimeout returns the outer per-attempt deadline as a duration.
func (c FetchConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSec) * time.Second
}

// RetryDelay returns the fixed delay between HTTP fetch attempts.
func (c FetchConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

// MaxAge returns how old a browser may grow before recycling.
func (c PoolConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// SweepInterval returns the cadence of the pool health sweep.
func (c PoolConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// TTL returns the cookie session lifetime.
func (c CookiesConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxIdle returns how long an unused session is kept before the sweep
// evicts it.
func (c CookiesConfig) MaxIdle() time.Duration {
	return time.Duration(c.MaxIdleSeconds) * time.Second
}

// SweepInterval returns the cadence of the stale-cookie sweep.
func (c CookiesConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// MaxAge returns how long finished jobs are retained.
func (c JobsConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// JanitorInterval returns the cadence of the job cleanup loop.
func (c JobsConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalMin) * time.Minute
}

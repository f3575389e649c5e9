package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the newsdesk engagement service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Site       SiteConfig
	Refresh    RefreshConfig
	Store      StoreConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	// TrustedProxies lists the IPs or CIDRs allowed to set X-Forwarded-For
	// and X-Real-IP. Empty means forwarding headers are ignored.
	TrustedProxies []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	// Migrate applies embedded schema migrations on startup.
	Migrate bool
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
}

// ClickHouseConfig configures the raw engagement event log.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     []string
	Database string
	User     string
	Password string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	// AdminPrefix is the path prefix protected by the API key.
	AdminPrefix string
}

type RateLimitConfig struct {
	Enabled  bool
	RPS      float64
	Burst    int
	IPRPS    float64
	IPBurst  int
	Prefixes []string
	// ExemptSuffixes are paths under Prefixes that are never limited.
	ExemptSuffixes []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// SiteConfig holds site-level settings that shape aggregation.
type SiteConfig struct {
	Timezone string
	TopN     int
	// LiveWindow is the trailing window used for the current-visitors estimate.
	LiveWindow time.Duration
	// ClickFallbackURL receives ad clicks whose target could not be loaded.
	ClickFallbackURL string
}

// Location resolves the site timezone, falling back to UTC.
func (s SiteConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RefreshConfig controls the realtime refresh coordinator.
type RefreshConfig struct {
	Debounce            time.Duration
	MinInterval         time.Duration
	LivePollInterval    time.Duration
	ArticlePollInterval time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

// StoreConfig tunes the event store adapter boundary.
type StoreConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	OpTimeout      time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("NEWSDESK_HTTP_ADDR", ":8080"),
			Env:             getEnv("NEWSDESK_ENV", "development"),
			ShutdownTimeout: getDurationEnv("NEWSDESK_SHUTDOWN_TIMEOUT", 30*time.Second),
			TrustedProxies:  getSliceEnv("NEWSDESK_TRUSTED_PROXIES", nil),
		},
		Database: DatabaseConfig{
			Host:     getEnv("NEWSDESK_DB_HOST", "localhost"),
			Port:     getIntEnv("NEWSDESK_DB_PORT", 5432),
			User:     getEnv("NEWSDESK_DB_USER", "newsdesk"),
			Password: getEnv("NEWSDESK_DB_PASSWORD", "newsdesk_secret"),
			DBName:   getEnv("NEWSDESK_DB_NAME", "newsdesk"),
			SSLMode:  getEnv("NEWSDESK_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("NEWSDESK_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("NEWSDESK_DB_MIN_CONNS", 2),
			Migrate:  getBoolEnv("NEWSDESK_DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:        getEnv("NEWSDESK_REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("NEWSDESK_REDIS_PASSWORD", ""),
			DB:          getIntEnv("NEWSDESK_REDIS_DB", 0),
			SnapshotTTL: getDurationEnv("NEWSDESK_REDIS_SNAPSHOT_TTL", 10*time.Minute),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("NEWSDESK_CLICKHOUSE_ENABLED", false),
			Addr:     getSliceEnv("NEWSDESK_CLICKHOUSE_ADDR", []string{"localhost:9000"}),
			Database: getEnv("NEWSDESK_CLICKHOUSE_DB", "newsdesk"),
			User:     getEnv("NEWSDESK_CLICKHOUSE_USER", "default"),
			Password: getEnv("NEWSDESK_CLICKHOUSE_PASSWORD", ""),
		},
		Auth: AuthConfig{
			Enabled:     getBoolEnv("NEWSDESK_AUTH_ENABLED", true),
			MasterKey:   getEnv("NEWSDESK_ADMIN_API_KEY", ""),
			AdminPrefix: getEnv("NEWSDESK_ADMIN_PREFIX", "/admin/"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getBoolEnv("NEWSDESK_RATE_LIMIT_ENABLED", true),
			RPS:            getFloatEnv("NEWSDESK_RATE_LIMIT_RPS", 500),
			Burst:          getIntEnv("NEWSDESK_RATE_LIMIT_BURST", 100),
			IPRPS:          getFloatEnv("NEWSDESK_RATE_LIMIT_IP_RPS", 10),
			IPBurst:        getIntEnv("NEWSDESK_RATE_LIMIT_IP_BURST", 20),
			Prefixes:       getSliceEnv("NEWSDESK_RATE_LIMIT_PREFIXES", []string{"/track/", "/articles/"}),
			ExemptSuffixes: getSliceEnv("NEWSDESK_RATE_LIMIT_EXEMPT_SUFFIXES", []string{"/click"}),
		},
		Log: LogConfig{
			Level:  getEnv("NEWSDESK_LOG_LEVEL", "info"),
			Format: getEnv("NEWSDESK_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("NEWSDESK_METRICS_ENABLED", true),
			Path:      getEnv("NEWSDESK_METRICS_PATH", "/metrics"),
			Namespace: getEnv("NEWSDESK_METRICS_NAMESPACE", "newsdesk"),
		},
		Site: SiteConfig{
			Timezone:         getEnv("NEWSDESK_SITE_TIMEZONE", "UTC"),
			TopN:             getIntEnv("NEWSDESK_SITE_TOP_N", 10),
			LiveWindow:       getDurationEnv("NEWSDESK_SITE_LIVE_WINDOW", 5*time.Minute),
			ClickFallbackURL: getEnv("NEWSDESK_SITE_CLICK_FALLBACK_URL", "/"),
		},
		Refresh: RefreshConfig{
			Debounce:            getDurationEnv("NEWSDESK_REFRESH_DEBOUNCE", 2*time.Second),
			MinInterval:         getDurationEnv("NEWSDESK_REFRESH_MIN_INTERVAL", 5*time.Second),
			LivePollInterval:    getDurationEnv("NEWSDESK_REFRESH_LIVE_POLL", 30*time.Second),
			ArticlePollInterval: getDurationEnv("NEWSDESK_REFRESH_ARTICLE_POLL", 2*time.Minute),
			BackoffBase:         getDurationEnv("NEWSDESK_REFRESH_BACKOFF_BASE", 1*time.Second),
			BackoffMax:          getDurationEnv("NEWSDESK_REFRESH_BACKOFF_MAX", 30*time.Second),
		},
		Store: StoreConfig{
			RetryAttempts:  getIntEnv("NEWSDESK_STORE_RETRY_ATTEMPTS", 3),
			RetryBaseDelay: getDurationEnv("NEWSDESK_STORE_RETRY_BASE", 100*time.Millisecond),
			OpTimeout:      getDurationEnv("NEWSDESK_STORE_OP_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("NEWSDESK_ADMIN_API_KEY is required when auth is enabled")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		return fmt.Errorf("invalid NEWSDESK_SITE_TIMEZONE %q: %w", c.Site.Timezone, err)
	}
	if c.Site.TopN <= 0 {
		return fmt.Errorf("NEWSDESK_SITE_TOP_N must be positive")
	}
	if c.Refresh.MinInterval < 0 || c.Refresh.Debounce < 0 {
		return fmt.Errorf("refresh intervals must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := ParseTrustedProxy(p); err != nil {
			return fmt.Errorf("invalid NEWSDESK_TRUSTED_PROXIES entry %q: %w", p, err)
		}
	}
	return nil
}

// ParseTrustedProxy accepts a CIDR or a single IP address.
func ParseTrustedProxy(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}

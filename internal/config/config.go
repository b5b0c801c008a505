package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/IshaanNene/forecourt/internal/types"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for forecourt.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"    yaml:"crawler"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"    yaml:"fetcher"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"  yaml:"discovery"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Store      StoreConfig      `mapstructure:"store"      yaml:"store"`
	Dealers    DealersConfig    `mapstructure:"dealers"    yaml:"dealers"`
	API        APIConfig        `mapstructure:"api"        yaml:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    yaml:"metrics"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"   yaml:"schedule"`
	Notify     NotifyConfig     `mapstructure:"notify"     yaml:"notify"`
}

// CrawlerConfig controls one crawl run.
type CrawlerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"        yaml:"concurrency"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"    yaml:"request_timeout"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"        yaml:"run_timeout"`
	PolitenessDelay  time.Duration `mapstructure:"politeness_delay"   yaml:"politeness_delay"`
	MaxRetries       int           `mapstructure:"max_retries"        yaml:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"       yaml:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"        yaml:"backoff_max"`
	UserAgent        string        `mapstructure:"user_agent"         yaml:"user_agent"`
	RespectRobotsTxt bool          `mapstructure:"respect_robots_txt" yaml:"respect_robots_txt"`
	MarkStale        bool          `mapstructure:"mark_stale"         yaml:"mark_stale"`
}

// FetcherConfig controls the HTTP client.
type FetcherConfig struct {
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
}

// DiscoveryConfig controls which links count as detail-page candidates.
type DiscoveryConfig struct {
	DetailPattern string   `mapstructure:"detail_pattern" yaml:"detail_pattern"`
	ExcludePaths  []string `mapstructure:"exclude_paths"  yaml:"exclude_paths"`
}

// ExtractionConfig holds the plausibility bands applied to extracted values.
type ExtractionConfig struct {
	MinPrice   int64 `mapstructure:"min_price"   yaml:"min_price"`
	MaxPrice   int64 `mapstructure:"max_price"   yaml:"max_price"`
	MaxMileage int64 `mapstructure:"max_mileage" yaml:"max_mileage"`
}

// StoreConfig selects and tunes the catalog store.
type StoreConfig struct {
	Type       string        `mapstructure:"type"       yaml:"type"` // sqlite, postgres, mongo, memory
	Path       string        `mapstructure:"path"       yaml:"path"`
	DSN        string        `mapstructure:"dsn"        yaml:"dsn"`
	Database   string        `mapstructure:"database"   yaml:"database"`
	Collection string        `mapstructure:"collection" yaml:"collection"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"    yaml:"timeout"`
}

// DealersConfig selects the dealer configuration provider.
type DealersConfig struct {
	Source string               `mapstructure:"source" yaml:"source"` // inline, file, postgres
	Path   string               `mapstructure:"path"   yaml:"path"`
	DSN    string               `mapstructure:"dsn"    yaml:"dsn"`
	Inline []types.DealerConfig `mapstructure:"inline" yaml:"inline"`
}

// APIConfig controls the trigger/query HTTP server.
type APIConfig struct {
	Addr         string        `mapstructure:"addr"          yaml:"addr"`
	Token        string        `mapstructure:"token"         yaml:"token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"  yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// ScheduleConfig controls periodic re-crawls while serving. A zero interval
// disables the scheduler; an empty dealer list means every known dealer.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Dealers  []string      `mapstructure:"dealers"  yaml:"dealers"`
}

// NotifyConfig controls change notifications.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout"`
}

// DefaultStorePath is the SQLite catalog location under the XDG data dir.
func DefaultStorePath() string {
	return filepath.Join(xdg.DataHome, "forecourt", "catalog.db")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Crawler: CrawlerConfig{
			Concurrency:      4,
			RequestTimeout:   20 * time.Second,
			RunTimeout:       10 * time.Minute,
			PolitenessDelay:  500 * time.Millisecond,
			MaxRetries:       3,
			BackoffBase:      500 * time.Millisecond,
			BackoffMax:       10 * time.Second,
			UserAgent:        "Mozilla/5.0 (compatible; forecourt/" + Version + ")",
			RespectRobotsTxt: true,
		},
		Fetcher: FetcherConfig{
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    32,
		},
		Discovery: DiscoveryConfig{
			DetailPattern: `(?i)/used/`,
			ExcludePaths:  []string{"/used", "/used/cars", "/used-cars"},
		},
		Extraction: ExtractionConfig{
			MinPrice:   500,
			MaxPrice:   500_000,
			MaxMileage: 500_000,
		},
		Store: StoreConfig{
			Type:       "sqlite",
			Path:       DefaultStorePath(),
			Database:   "forecourt",
			Collection: "vehicles",
			BatchSize:  100,
			Timeout:    30 * time.Second,
		},
		Dealers: DealersConfig{
			Source: "inline",
		},
		API: APIConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
	}
}

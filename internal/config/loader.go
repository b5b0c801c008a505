package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and CLI flags.
// Priority (highest to lowest): CLI flags > env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("FORECOURT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("forecourt")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".forecourt"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper so env overrides resolve.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("crawler.concurrency", cfg.Crawler.Concurrency)
	v.SetDefault("crawler.request_timeout", cfg.Crawler.RequestTimeout)
	v.SetDefault("crawler.run_timeout", cfg.Crawler.RunTimeout)
	v.SetDefault("crawler.politeness_delay", cfg.Crawler.PolitenessDelay)
	v.SetDefault("crawler.max_retries", cfg.Crawler.MaxRetries)
	v.SetDefault("crawler.backoff_base", cfg.Crawler.BackoffBase)
	v.SetDefault("crawler.backoff_max", cfg.Crawler.BackoffMax)
	v.SetDefault("crawler.user_agent", cfg.Crawler.UserAgent)
	v.SetDefault("crawler.respect_robots_txt", cfg.Crawler.RespectRobotsTxt)
	v.SetDefault("crawler.mark_stale", cfg.Crawler.MarkStale)

	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.tls_insecure", cfg.Fetcher.TLSInsecure)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)

	v.SetDefault("discovery.detail_pattern", cfg.Discovery.DetailPattern)
	v.SetDefault("discovery.exclude_paths", cfg.Discovery.ExcludePaths)

	v.SetDefault("extraction.min_price", cfg.Extraction.MinPrice)
	v.SetDefault("extraction.max_price", cfg.Extraction.MaxPrice)
	v.SetDefault("extraction.max_mileage", cfg.Extraction.MaxMileage)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("store.database", cfg.Store.Database)
	v.SetDefault("store.collection", cfg.Store.Collection)
	v.SetDefault("store.batch_size", cfg.Store.BatchSize)
	v.SetDefault("store.timeout", cfg.Store.Timeout)

	v.SetDefault("dealers.source", cfg.Dealers.Source)
	v.SetDefault("dealers.path", cfg.Dealers.Path)
	v.SetDefault("dealers.dsn", cfg.Dealers.DSN)

	v.SetDefault("api.addr", cfg.API.Addr)
	v.SetDefault("api.token", cfg.API.Token)
	v.SetDefault("api.read_timeout", cfg.API.ReadTimeout)
	v.SetDefault("api.write_timeout", cfg.API.WriteTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("schedule.interval", cfg.Schedule.Interval)
	v.SetDefault("schedule.dealers", cfg.Schedule.Dealers)

	v.SetDefault("notify.webhook_url", cfg.Notify.WebhookURL)
	v.SetDefault("notify.timeout", cfg.Notify.Timeout)
}

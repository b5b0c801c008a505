package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Crawler.Concurrency < 1 {
		return fmt.Errorf("crawler.concurrency must be >= 1, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Crawler.Concurrency > 64 {
		return fmt.Errorf("crawler.concurrency must be <= 64, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if cfg.Crawler.RunTimeout <= 0 {
		return fmt.Errorf("crawler.run_timeout must be > 0")
	}
	if cfg.Crawler.PolitenessDelay < 0 {
		return fmt.Errorf("crawler.politeness_delay must be >= 0")
	}
	if cfg.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0, got %d", cfg.Crawler.MaxRetries)
	}
	if cfg.Crawler.BackoffBase < 0 || cfg.Crawler.BackoffMax < cfg.Crawler.BackoffBase {
		return fmt.Errorf("crawler.backoff_base must be >= 0 and <= crawler.backoff_max")
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}

	if cfg.Discovery.DetailPattern != "" {
		if _, err := regexp.Compile(cfg.Discovery.DetailPattern); err != nil {
			return fmt.Errorf("discovery.detail_pattern is not a valid regex: %w", err)
		}
	}

	if cfg.Extraction.MinPrice < 0 || cfg.Extraction.MaxPrice <= cfg.Extraction.MinPrice {
		return fmt.Errorf("extraction price band [%d, %d] is invalid", cfg.Extraction.MinPrice, cfg.Extraction.MaxPrice)
	}
	if cfg.Extraction.MaxMileage <= 0 {
		return fmt.Errorf("extraction.max_mileage must be > 0")
	}

	switch cfg.Store.Type {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres", "mongo":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", cfg.Store.Type)
		}
	case "memory":
	default:
		return fmt.Errorf("store.type %q is not supported (valid: sqlite, postgres, mongo, memory)", cfg.Store.Type)
	}
	if cfg.Store.BatchSize < 1 {
		return fmt.Errorf("store.batch_size must be >= 1, got %d", cfg.Store.BatchSize)
	}

	switch cfg.Dealers.Source {
	case "inline":
	case "file":
		if cfg.Dealers.Path == "" {
			return fmt.Errorf("dealers.path is required for the file source")
		}
	case "postgres":
		if cfg.Dealers.DSN == "" && cfg.Store.DSN == "" {
			return fmt.Errorf("dealers.dsn (or store.dsn) is required for the postgres source")
		}
	default:
		return fmt.Errorf("dealers.source %q is not supported (valid: inline, file, postgres)", cfg.Dealers.Source)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	if cfg.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must be >= 0")
	}
	if cfg.Schedule.Interval > 0 && cfg.Schedule.Interval < time.Minute {
		return fmt.Errorf("schedule.interval must be at least 1m, got %s", cfg.Schedule.Interval)
	}

	if cfg.Notify.WebhookURL != "" {
		if err := ValidateURL(cfg.Notify.WebhookURL); err != nil {
			return fmt.Errorf("notify.webhook_url: %w", err)
		}
		if cfg.Notify.Timeout <= 0 {
			return fmt.Errorf("notify.timeout must be > 0")
		}
	}

	return nil
}

// ValidateURL checks if a URL string is valid for crawling.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	// BaseURL is the origin of the video portal the tap and metadata client
	// talk to.
	BaseURL string `env:"SMARTCLASS_BASE_URL" envDefault:"https://tmu.smartclass.cn"`
	// PageURL is the lecture page the session is bound to; its query string
	// is one of the token fallback sources.
	PageURL string `env:"SMARTCLASS_PAGE_URL"`
	// TokenHint is a statically configured token, tried after the page URL
	// and cookie sources when nothing was captured yet.
	TokenHint string `env:"SMARTCLASS_TOKEN"`
	// Cookie is a raw Cookie header value forwarded to the portal.
	Cookie string `env:"SMARTCLASS_COOKIE"`

	Concurrency     int           `env:"QUEUE_CONCURRENCY" envDefault:"3"`
	TickInterval    time.Duration `env:"QUEUE_TICK_INTERVAL" envDefault:"1s"`
	TransferTimeout time.Duration `env:"TRANSFER_TIMEOUT" envDefault:"60s"`
	CaptureFallback bool          `env:"CAPTURE_FALLBACK" envDefault:"true"`

	ServerPort    string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	DatabasePath  string `env:"DATABASE_PATH" envDefault:"smartclass.db"`
	DownloadsPath string `env:"DOWNLOADS_PATH" envDefault:"/downloads"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("SMARTCLASS_BASE_URL cannot be empty")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SMARTCLASS_BASE_URL must be an absolute URL, got: %s", c.BaseURL)
	}

	if c.PageURL != "" {
		if u, err := url.Parse(c.PageURL); err != nil || u.Scheme == "" {
			return fmt.Errorf("SMARTCLASS_PAGE_URL must be an absolute URL, got: %s", c.PageURL)
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid log level %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	if c.Concurrency < 1 || c.Concurrency > 16 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be between 1 and 16, got %d", c.Concurrency)
	}

	if c.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("QUEUE_TICK_INTERVAL must be at least 100ms, got %s", c.TickInterval)
	}

	if c.TransferTimeout < time.Second {
		return fmt.Errorf("TRANSFER_TIMEOUT must be at least 1s, got %s", c.TransferTimeout)
	}

	if c.DownloadsPath == "" {
		return fmt.Errorf("DOWNLOADS_PATH cannot be empty")
	}

	cleanPath := filepath.Clean(c.DownloadsPath)
	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("DOWNLOADS_PATH must be an absolute path, got: %s", c.DownloadsPath)
	}

	// Check if path exists and is a directory (only if it exists)
	if info, err := os.Stat(cleanPath); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("DOWNLOADS_PATH must be a directory, got file: %s", cleanPath)
		}
	}

	c.DownloadsPath = cleanPath

	return nil
}

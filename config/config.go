package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	IndexURL         string
	BaseURL          string // prefix for unit links; derived from IndexURL when empty
	Parallelism      int
	Delay            time.Duration
	RandomDelay      time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	OutputFile       string
	OutputFormat     string // csv, json, or dual
	UserAgent        string
	Verbose          bool
	RespectRobotsTxt bool
	MetricsAddr      string
	DedupeMaxSize    int
}

// DefaultConfig returns conservative defaults for volby.cz.
func DefaultConfig() *Config {
	return &Config{
		IndexURL:         "https://www.volby.cz/pls/ps2017nss/ps32?xjazyk=CZ&xkraj=12&xnumnuts=7103",
		BaseURL:          "",
		Parallelism:      1,
		Delay:            0,
		RandomDelay:      0,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		OutputFile:       "output/results.csv",
		OutputFormat:     "csv",
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
		RespectRobotsTxt: false,
		MetricsAddr:      "",
		DedupeMaxSize:    100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateHTTPURL("index URL", c.IndexURL); err != nil {
		return err
	}
	if c.BaseURL != "" {
		if err := validateHTTPURL("base URL", c.BaseURL); err != nil {
			return err
		}
	}

	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	return nil
}

// UnitBaseURL returns the prefix joined with relative unit links: BaseURL
// when set, otherwise the index URL up to and including its last slash.
func (c *Config) UnitBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	index := c.IndexURL
	if i := strings.IndexAny(index, "?#"); i >= 0 {
		index = index[:i]
	}
	if i := strings.LastIndex(index, "/"); i >= len("https://") {
		return index[:i+1]
	}
	return strings.TrimSuffix(index, "/") + "/"
}

// ValidateIndexURL reports whether raw is usable as an index URL.
func ValidateIndexURL(raw string) error {
	return validateHTTPURL("index URL", raw)
}

func validateHTTPURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("%s must begin with http:// or https://", name)
	}
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

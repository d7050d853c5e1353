package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults for fields left empty.
const (
	DefaultHTTPAddr       = ":8000"
	DefaultSendTimeout    = 120 * time.Second
	DefaultPace           = 2 * time.Second
	DefaultNetworkBackoff = 5 * time.Second
	DefaultErrorBackoff   = 3 * time.Second
	DefaultMaxAttempts    = 3
	DefaultFetchTimeout   = 15 * time.Second
)

// Validate checks cfg after env overrides have been applied.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set " + EnvBotToken + ")"))
	}
	if strings.TrimSpace(c.HTTP.AdminPassword) == "" {
		add(errors.New("http.admin_password is required (or set " + EnvAdminPassword + ")"))
	}

	seen := map[int64]bool{}
	for i, d := range c.Destinations {
		if d.ID == 0 {
			add(fmt.Errorf("destinations[%d].id is required", i))
		}
		if strings.TrimSpace(d.Name) == "" {
			add(fmt.Errorf("destinations[%d].name is required", i))
		}
		if seen[d.ID] && d.ThreadID == 0 {
			add(fmt.Errorf("destinations[%d]: duplicate id %d", i, d.ID))
		}
		seen[d.ID] = true
	}

	durations := map[string]string{
		"telegram.send_timeout":       c.Telegram.SendTimeout,
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"auction.list_timeout":        c.Auction.ListTimeout,
		"auction.photo_timeout":       c.Auction.PhotoTimeout,
		"publish.pace":                c.Publish.Pace,
		"publish.network_backoff":     c.Publish.NetworkBackoff,
		"publish.error_backoff":       c.Publish.ErrorBackoff,
		"publish.image.fetch_timeout": c.Publish.Image.FetchTimeout,
		"retention.max_age":           c.Retention.MaxAge,
		"retention.timeout":           c.Retention.Timeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if c.Publish.MaxAttempts < 0 {
		add(errors.New("publish.max_attempts must be >= 0"))
	}
	if q := c.Publish.Image.Quality; q < 0 || q > 100 {
		add(errors.New("publish.image.quality must be within 1..100"))
	}
	if c.Publish.Image.MaxDimension < 0 {
		add(errors.New("publish.image.max_dimension must be >= 0"))
	}
	if c.Cleanup.RatePerSec < 0 {
		add(errors.New("cleanup.rate_per_sec must be >= 0"))
	}
	if c.Retention.Enabled {
		if strings.TrimSpace(c.Retention.Schedule) == "" {
			add(errors.New("retention.schedule is required when retention is enabled"))
		}
		if d, _ := ParseDurationField("retention.max_age", c.Retention.MaxAge); d <= 0 {
			add(errors.New("retention.max_age must be > 0 when retention is enabled"))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "sqlite", "sqlite3", "file", "memory", "mem":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres (or set " + EnvStorageDSN + ")"))
		}
	default:
		add(fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "file") && strings.TrimSpace(c.Storage.Path) == "" {
		add(errors.New("storage.path is required for the file driver"))
	}

	return errors.Join(errs...)
}

// Duration returns the parsed value of raw or def when raw is empty or
// invalid. Call Validate first to surface invalid values.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

// FindDestination looks up a configured destination by chat id.
func (c *Config) FindDestination(chatID int64) (Destination, bool) {
	if c == nil {
		return Destination{}, false
	}
	for _, d := range c.Destinations {
		if d.ID == chatID {
			return d, true
		}
	}
	return Destination{}, false
}

package lunch

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("not found")

// FetchError reports a failed outbound request: transport failure, timeout or
// a non-success status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ScraperError reports a failed scraper invocation for one site.
type ScraperError struct {
	Site SiteKey
	Err  error
}

func (e *ScraperError) Error() string {
	return fmt.Sprintf("scrape %s: %v", e.Site, e.Err)
}

func (e *ScraperError) Unwrap() error { return e.Err }

// StoreError reports a failed write for one restaurant.
type StoreError struct {
	Site       SiteKey
	Restaurant string
	Op         string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Site, e.Restaurant, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError is fatal at start-up: duplicate registry keys, malformed
// schedules and invalid settings.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Package logging includes tests for the zap logger helpers.
package logging

import "testing"

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true, "")
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug level in development")
	}
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, FormatJSON)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
	if logger.Core().Enabled(-1) {
		t.Fatal("expected debug to be disabled in production")
	}
}

func TestNewFormats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{FormatJSON, FormatConsole, FormatPretty, FormatCompact} {
		logger, err := New(false, format)
		if err != nil {
			t.Fatalf("New(false, %q) error = %v", format, err)
		}
		logger.Info("format ready")
	}
	if _, err := New(false, "xml"); err == nil {
		t.Fatal("expected unknown format to fail")
	}
}

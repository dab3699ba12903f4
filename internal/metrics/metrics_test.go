package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveCacheLookup(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(fetchCacheRequestsTotal.WithLabelValues(CacheHit))
	ObserveCacheLookup(CacheHit)
	ObserveCacheLookup(CacheHit)
	if got := testutil.ToFloat64(fetchCacheRequestsTotal.WithLabelValues(CacheHit)) - before; got != 2 {
		t.Fatalf("expected 2 hits recorded, got %f", got)
	}

	SetCacheEntries(7)
	if got := testutil.ToFloat64(fetchCacheEntries); got != 7 {
		t.Fatalf("expected cache entries gauge 7, got %f", got)
	}
}

func TestObserveUpstreamFetch(t *testing.T) {
	ObserveUpstreamFetch("https://Menu.Example.com/a", true, 20*time.Millisecond)
	if n := testutil.CollectAndCount(upstreamFetchDuration); n == 0 {
		t.Fatal("expected upstream fetch histogram to have series")
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

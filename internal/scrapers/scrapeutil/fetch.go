package scrapeutil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/oddlid/rlunch/internal/lunch"
)

// Get fetches url with GET and returns the body of a 2xx response. Any other
// status is reported as a *lunch.FetchError.
func Get(ctx context.Context, fetcher lunch.Fetcher, url string, headers http.Header) ([]byte, error) {
	resp, err := fetcher.Fetch(ctx, lunch.FetchRequest{Method: http.MethodGet, URL: url, Headers: headers})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &lunch.FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %q", http.StatusText(resp.StatusCode)),
		}
	}
	return resp.Body, nil
}

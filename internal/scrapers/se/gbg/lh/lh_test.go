package lh

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/lunch"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type httpFetcher struct{}

func (httpFetcher) Fetch(ctx context.Context, r lunch.FetchRequest) (lunch.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return lunch.FetchResponse{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return lunch.FetchResponse{}, err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return lunch.FetchResponse{}, err
	}
	return lunch.FetchResponse{URL: r.URL, StatusCode: resp.StatusCode, Body: buf}, nil
}

const linksJSON = `{
  "Kooperativet": {"url": "https://kooperativet.se", "map": "https://maps.example/koop"},
  "Bistrot by Lindholmen": {"url": "https://bistrot.se", "map": "https://maps.example/bistrot"},
  "Pier 11": {"url": "https://pier11.se", "map": ""}
}`

const mondayJSON = `{
  "KooperativetScraper": {"items": [
    {"name": "Fisk  och potatis", "description": "med\nsås", "price": 125, "tags": ["fisk", "fisk", " "]},
    {"name": "Vego", "description": "", "price": "115 kr", "tags": ["vego"]},
    {"name": "", "description": "ignored", "price": 0}
  ]},
  "Bistrot by LindholmenScraper": {"items": [
    {"name": "Dagens", "price": 129.5}
  ]},
  "UnknownScraper": {"items": [{"name": "x", "price": 1}]}
}`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/links.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(linksJSON))
	})
	mux.HandleFunc("/lunch_data_monday.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(mondayJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newScraper(srv *httptest.Server, now time.Time) *Scraper {
	return New(Config{
		LinksURL:      srv.URL + "/links.json",
		MenuURLFormat: srv.URL + "/lunch_data_%s.json",
		Clock:         fixedClock(now),
		Location:      time.UTC,
	})
}

func TestScrapeMonday(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	monday := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	results, err := newScraper(srv, monday).Scrape(context.Background(), httpFetcher{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byKey := map[string]lunch.ScrapeResult{}
	for _, r := range results {
		require.NoError(t, r.Validate())
		require.Equal(t, Site.Key, r.SiteKey)
		require.Equal(t, monday, r.Restaurant.ParsedAt)
		byKey[r.RestaurantKey] = r
	}

	koop := byKey["kooperativet"]
	require.Equal(t, "https://kooperativet.se", koop.Restaurant.URL)
	require.Equal(t, []lunch.Dish{
		{Name: "Fisk och potatis", Description: "med sås", Tags: []string{"fisk"}, Price: 125},
		{Name: "Vego", Tags: []string{"vego"}, Price: 115},
	}, koop.Dishes)

	bistrot := byKey["bistrot-lindholmen"]
	require.Equal(t, "Bistrot by Lindholmen", bistrot.Restaurant.Name)
	require.Len(t, bistrot.Dishes, 1)
	require.InDelta(t, 129.5, bistrot.Dishes[0].Price, 0.001)

	pier := byKey["pier-11"]
	require.Empty(t, pier.Dishes)
}

func TestScrapeWeekend(t *testing.T) {
	t.Parallel()

	saturday := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	s := New(Config{Clock: fixedClock(saturday), Location: time.UTC})
	results, err := s.Scrape(context.Background(), httpFetcher{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestScrapeMissingMenu(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	tuesday := time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
	_, err := newScraper(srv, tuesday).Scrape(context.Background(), httpFetcher{})
	var fe *lunch.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestMenuURLUsesLocalWeekday(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CET", 3600)
	s := New(Config{MenuURLFormat: "menu_%s", Location: loc})
	// 23:30 UTC on a Sunday is already Monday in Stockholm.
	url, ok := s.MenuURL(time.Date(2025, 3, 9, 23, 30, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, "menu_monday", url)
}

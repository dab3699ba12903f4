// Package lh scrapes the restaurants at Lindholmen, Göteborg, from the
// community-maintained lunch data published as JSON on GitHub.
package lh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/oddlid/rlunch/internal/clock/system"
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/scrapers/scrapeutil"
)

const (
	DefaultLinksURL      = "https://raw.githubusercontent.com/Fawenah/lindholmen_lunch/refs/heads/main/data/restaurant_links.json"
	DefaultMenuURLFormat = "https://github.com/Fawenah/lindholmen_lunch/raw/refs/heads/main/data/lunch_data_%s.json"

	keySuffix = "Scraper"
)

// Site describes Lindholmen for the registry.
var Site = lunch.SiteInfo{
	Key:            lunch.NewSiteKey("se", "gbg", "lh"),
	CountryName:    "Sverige",
	CurrencySuffix: "kr",
	CityName:       "Göteborg",
	SiteName:       "Lindholmen",
	SiteComment:    "Lindholmen Science Park",
}

// Config points the scraper at its data. Empty fields use the defaults.
type Config struct {
	LinksURL      string
	MenuURLFormat string
	Clock         lunch.Clock
	Location      *time.Location
}

// Scraper implements lunch.Scraper for Lindholmen.
type Scraper struct {
	linksURL   string
	menuFormat string
	clock      lunch.Clock
	location   *time.Location
}

var _ lunch.Scraper = (*Scraper)(nil)

// New returns a Lindholmen scraper.
func New(cfg Config) *Scraper {
	s := &Scraper{
		linksURL:   cfg.LinksURL,
		menuFormat: cfg.MenuURLFormat,
		clock:      cfg.Clock,
		location:   cfg.Location,
	}
	if s.linksURL == "" {
		s.linksURL = DefaultLinksURL
	}
	if s.menuFormat == "" {
		s.menuFormat = DefaultMenuURLFormat
	}
	if s.clock == nil {
		s.clock = system.Clock{}
	}
	if s.location == nil {
		s.location = stockholm()
	}
	return s
}

func stockholm() *time.Location {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		return time.UTC
	}
	return loc
}

type restaurantLink struct {
	URL string `json:"url"`
	Map string `json:"map"`
}

type menuItem struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       price    `json:"price"`
	Tags        []string `json:"tags"`
}

type dayMenu struct {
	Items []menuItem `json:"items"`
}

// price accepts both JSON numbers and free-text strings such as "129 kr".
type price float64

func (p *price) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = price(scrapeutil.ParsePrice(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = price(f)
	return nil
}

// MenuURL returns the menu file for the weekday of t, or false on weekends
// when no menu is published.
func (s *Scraper) MenuURL(t time.Time) (string, bool) {
	wd := t.In(s.location).Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return "", false
	}
	return fmt.Sprintf(s.menuFormat, strings.ToLower(wd.String())), true
}

// Scrape returns one result per listed restaurant. Restaurants without a
// menu today are still returned, with no dishes, so yesterday's menu is
// cleared.
func (s *Scraper) Scrape(ctx context.Context, fetcher lunch.Fetcher) ([]lunch.ScrapeResult, error) {
	now := s.clock.Now()
	menuURL, open := s.MenuURL(now)
	if !open {
		return nil, nil
	}

	headers := http.Header{"Accept": {"application/json"}}
	var links map[string]restaurantLink
	if err := s.getJSON(ctx, fetcher, s.linksURL, headers, &links); err != nil {
		return nil, err
	}
	var menus map[string]dayMenu
	if err := s.getJSON(ctx, fetcher, menuURL, headers, &menus); err != nil {
		return nil, err
	}

	byName := make(map[string]dayMenu, len(menus))
	for k, v := range menus {
		byName[strings.TrimSuffix(k, keySuffix)] = v
	}

	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]lunch.ScrapeResult, 0, len(names))
	for _, name := range names {
		key := scrapeutil.Slugify(name)
		if key == "" {
			continue
		}
		link := links[name]
		results = append(results, lunch.ScrapeResult{
			SiteKey:       Site.Key,
			RestaurantKey: key,
			Restaurant: lunch.RestaurantFields{
				Name:     strings.TrimSpace(name),
				URL:      link.URL,
				MapURL:   link.Map,
				ParsedAt: now,
			},
			Dishes: dishes(byName[name].Items),
		})
	}
	return results, nil
}

func (s *Scraper) getJSON(ctx context.Context, fetcher lunch.Fetcher, url string, headers http.Header, v any) error {
	body, err := scrapeutil.Get(ctx, fetcher, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func dishes(items []menuItem) []lunch.Dish {
	out := make([]lunch.Dish, 0, len(items))
	for _, it := range items {
		name := scrapeutil.ReduceWhitespace(it.Name)
		if name == "" {
			continue
		}
		out = append(out, lunch.Dish{
			Name:        name,
			Description: scrapeutil.ReduceWhitespace(it.Description),
			Tags:        lunch.NormalizeTags(it.Tags),
			Price:       float64(it.Price),
		})
	}
	return out
}

// Package majorna scrapes restaurants in Majorna, Göteborg. Old Town
// publishes its menu across several pages which are merged into a single
// restaurant.
package majorna

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/oddlid/rlunch/internal/clock/system"
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/scrapers/scrapeutil"
)

const (
	DefaultBaseURL = "https://www.oldtown.se"

	restaurantKey = "oldtown"

	selDishContainer = "div.mt-i-c.cf.mt-border.line-color"
	selDishName      = "h3"
	selDishPrice     = "h3 > strong"
	selDishDescP     = "h3 + p"
	selDishDescDiv   = "h3 + div"
)

// DefaultPages are the Old Town menu pages, in display order.
var DefaultPages = []string{"/pasta", "/meny/", "/tandoori-kitchen/", "/chicken-dishes/"}

// Site describes Majorna for the registry.
var Site = lunch.SiteInfo{
	Key:            lunch.NewSiteKey("se", "gbg", "majorna"),
	CountryName:    "Sverige",
	CurrencySuffix: "kr",
	CityName:       "Göteborg",
	SiteName:       "Majorna",
}

var oldTown = lunch.RestaurantFields{
	Name:    "Old Town",
	Address: "Godhemsgatan 7, 414 68 Göteborg",
	URL:     "https://www.oldtown.se/",
	MapURL:  "https://www.google.se/maps/place/Godhemsgatan+7,+414+68+G%C3%B6teborg",
}

// Config points the scraper at the Old Town site. Empty fields use the
// defaults.
type Config struct {
	BaseURL string
	Pages   []string
	Clock   lunch.Clock
}

// OldTownScraper implements lunch.Scraper for Old Town.
type OldTownScraper struct {
	baseURL string
	pages   []string
	clock   lunch.Clock
}

var _ lunch.Scraper = (*OldTownScraper)(nil)

// NewOldTown returns an Old Town scraper.
func NewOldTown(cfg Config) *OldTownScraper {
	s := &OldTownScraper{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		pages:   cfg.Pages,
		clock:   cfg.Clock,
	}
	if s.baseURL == "" {
		s.baseURL = DefaultBaseURL
	}
	if len(s.pages) == 0 {
		s.pages = DefaultPages
	}
	if s.clock == nil {
		s.clock = system.Clock{}
	}
	return s
}

// Scrape fetches every menu page in order. A failure on any page fails the
// whole scrape, since a merged dish list missing one page is incomplete.
func (s *OldTownScraper) Scrape(ctx context.Context, fetcher lunch.Fetcher) ([]lunch.ScrapeResult, error) {
	headers := http.Header{"Accept": {"text/html"}, "Accept-Language": {"sv"}}
	var all []lunch.Dish
	for _, page := range s.pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url := s.baseURL + "/" + strings.TrimPrefix(page, "/")
		body, err := scrapeutil.Get(ctx, fetcher, url, headers)
		if err != nil {
			return nil, err
		}
		dishes, err := ParseMenuPage(body)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", url, err)
		}
		all = append(all, dishes...)
	}

	fields := oldTown
	fields.ParsedAt = s.clock.Now()
	return []lunch.ScrapeResult{{
		SiteKey:       Site.Key,
		RestaurantKey: restaurantKey,
		Restaurant:    fields,
		Dishes:        all,
	}}, nil
}

// ParseMenuPage extracts the dishes of one Old Town menu page. Containers
// lacking a name or a price are skipped; the site's markup is not consistent.
func ParseMenuPage(page []byte) ([]lunch.Dish, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var dishes []lunch.Dish
	doc.Find(selDishContainer).Each(func(_ int, s *goquery.Selection) {
		name := firstText(s.Find(selDishName).First())
		priceSel := s.Find(selDishPrice).First()
		if name == "" || priceSel.Length() == 0 {
			return
		}
		desc := s.Find(selDishDescP).First()
		if desc.Length() == 0 {
			desc = s.Find(selDishDescDiv).First()
		}
		dishes = append(dishes, lunch.Dish{
			Name:        name,
			Description: scrapeutil.ReduceWhitespace(desc.Text()),
			Price:       scrapeutil.ParsePrice(priceSel.Text()),
		})
	})
	return dishes, nil
}

// firstText returns the first non-blank text node directly under s, which
// keeps the price in <strong> out of the dish name.
func firstText(s *goquery.Selection) string {
	var out string
	s.Contents().EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if len(c.Nodes) == 0 || c.Nodes[0].Type != html.TextNode {
			return true
		}
		out = scrapeutil.ReduceWhitespace(c.Text())
		return out == ""
	})
	return out
}

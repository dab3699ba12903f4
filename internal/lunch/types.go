package lunch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Country is the top of the hierarchy. Scrapers never create or change it.
type Country struct {
	ID             uuid.UUID `json:"-"`
	Slug           string    `json:"url_id"`
	Name           string    `json:"name"`
	CurrencySuffix string    `json:"currency_suffix,omitempty"`
	Cities         []City    `json:"cities,omitempty"`
}

// City belongs to exactly one Country.
type City struct {
	ID        uuid.UUID `json:"-"`
	CountryID uuid.UUID `json:"-"`
	Slug      string    `json:"url_id"`
	Name      string    `json:"name"`
	Sites     []Site    `json:"sites,omitempty"`
}

// Site is a physical location hosting one or more restaurants.
type Site struct {
	ID          uuid.UUID    `json:"-"`
	CityID      uuid.UUID    `json:"-"`
	Slug        string       `json:"url_id"`
	Name        string       `json:"name"`
	Comment     string       `json:"comment,omitempty"`
	Restaurants []Restaurant `json:"restaurants,omitempty"`
}

// RestaurantFields holds the attributes a scraper sets on a restaurant.
type RestaurantFields struct {
	Name     string    `json:"name"`
	Comment  string    `json:"comment,omitempty"`
	Address  string    `json:"address,omitempty"`
	URL      string    `json:"url,omitempty"`
	MapURL   string    `json:"map_url,omitempty"`
	ParsedAt time.Time `json:"parsed_at"`
}

// Restaurant belongs to one Site and is identified across scrapes by Key.
type Restaurant struct {
	ID     uuid.UUID `json:"-"`
	SiteID uuid.UUID `json:"-"`
	Key    string    `json:"key"`
	RestaurantFields
	Dishes []Dish `json:"dishes"`
}

// Dish belongs to one Restaurant.
type Dish struct {
	ID           uuid.UUID `json:"-"`
	RestaurantID uuid.UUID `json:"-"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Price        float64   `json:"price"`
}

// ScrapeResult is the complete output of one scraper for one restaurant in
// one pass. Dishes is always the full set; partial lists are never emitted.
type ScrapeResult struct {
	SiteKey       SiteKey
	RestaurantKey string
	Restaurant    RestaurantFields
	Dishes        []Dish
}

// Validate rejects results the synchronizer cannot apply.
func (r ScrapeResult) Validate() error {
	if err := r.SiteKey.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.RestaurantKey) == "" {
		return errors.New("restaurant key is required")
	}
	if strings.TrimSpace(r.Restaurant.Name) == "" {
		return fmt.Errorf("restaurant %q: name is required", r.RestaurantKey)
	}
	for i, d := range r.Dishes {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("restaurant %q: dish %d has no name", r.RestaurantKey, i)
		}
	}
	return nil
}

// SiteInfo carries the display data needed to bootstrap a site's ancestors.
type SiteInfo struct {
	Key            SiteKey
	CountryName    string
	CurrencySuffix string
	CityName       string
	SiteName       string
	SiteComment    string
}

// SiteRelation resolves a SiteKey to row identifiers.
type SiteRelation struct {
	CountryID uuid.UUID
	CityID    uuid.UUID
	SiteID    uuid.UUID
}

// SiteTree is one site with its ancestors, restaurants and dishes.
type SiteTree struct {
	Country Country `json:"country"`
	City    City    `json:"city"`
	Site    Site    `json:"site"`
}

// FetchRequest describes one outbound request. Method defaults to GET.
type FetchRequest struct {
	Method  string
	URL     string
	Headers http.Header
}

// FetchResponse is the outcome of a successful fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	FromCache  bool
}

// NormalizeTags trims labels and drops empties and duplicates while keeping
// first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

package lunch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Fetcher retrieves a remote resource. Implementations must honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Scraper produces results for its statically assigned site(s). The deadline
// is carried by ctx; an implementation that runs out of time returns an error
// instead of an incomplete dish set.
type Scraper interface {
	Scrape(ctx context.Context, fetcher Fetcher) ([]ScrapeResult, error)
}

// ScraperFunc adapts a function to the Scraper interface.
type ScraperFunc func(ctx context.Context, fetcher Fetcher) ([]ScrapeResult, error)

// Scrape calls f.
func (f ScraperFunc) Scrape(ctx context.Context, fetcher Fetcher) ([]ScrapeResult, error) {
	return f(ctx, fetcher)
}

// RestaurantWriter performs the per-restaurant write operations. It is only
// handed out inside a transaction.
type RestaurantWriter interface {
	// UpsertRestaurant inserts or updates the restaurant identified by
	// (siteID, key) and returns its stable identifier.
	UpsertRestaurant(ctx context.Context, siteID uuid.UUID, key string, fields RestaurantFields) (uuid.UUID, error)
	// ReplaceDishes deletes every dish owned by the restaurant and inserts dishes.
	ReplaceDishes(ctx context.Context, restaurantID uuid.UUID, dishes []Dish) error
}

// SyncStore is the store surface the synchronizer depends on.
type SyncStore interface {
	SiteRelation(ctx context.Context, key SiteKey) (SiteRelation, error)
	// WithRestaurantTx runs fn in a single transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	WithRestaurantTx(ctx context.Context, fn func(RestaurantWriter) error) error
}

// Reader serves the read API.
type Reader interface {
	ListCountries(ctx context.Context) ([]Country, error)
	ReadSiteTree(ctx context.Context, key SiteKey) (SiteTree, error)
}

// Bootstrapper creates the static country/city/site rows for registry entries.
type Bootstrapper interface {
	EnsureSite(ctx context.Context, info SiteInfo) (SiteRelation, error)
}

// Store is the full persistence surface.
type Store interface {
	SyncStore
	Reader
	Bootstrapper
	Close()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row identifiers.
type IDGenerator interface {
	NewUUID() (uuid.UUID, error)
}

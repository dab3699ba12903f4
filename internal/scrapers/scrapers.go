// Package scrapers assembles the compiled-in scraper registry.
package scrapers

import (
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/registry"
	"github.com/oddlid/rlunch/internal/scrapers/se/gbg/lh"
	"github.com/oddlid/rlunch/internal/scrapers/se/gbg/majorna"
)

// Default returns the registry of every site this build knows how to scrape.
func Default(clock lunch.Clock) *registry.Registry {
	return registry.MustNew(
		registry.Entry{Info: lh.Site, Scraper: lh.New(lh.Config{Clock: clock})},
		registry.Entry{Info: majorna.Site, Scraper: majorna.NewOldTown(majorna.Config{Clock: clock})},
	)
}

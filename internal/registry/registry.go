// Package registry holds the compiled-in table of sites and the scraper
// responsible for each. A Registry is immutable once built.
package registry

import (
	"errors"
	"fmt"

	"github.com/oddlid/rlunch/internal/lunch"
)

// Entry binds one site to its scraper.
type Entry struct {
	Info    lunch.SiteInfo
	Scraper lunch.Scraper
}

// Registry is the read-only site table handed to the scheduler.
type Registry struct {
	entries []Entry
	index   map[lunch.SiteKey]int
}

// New validates entries and builds a Registry. Duplicate or malformed site
// keys and missing scrapers are configuration errors.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[lunch.SiteKey]int, len(entries)),
	}
	for i, e := range entries {
		field := fmt.Sprintf("registry[%d]", i)
		if err := e.Info.Key.Validate(); err != nil {
			return nil, &lunch.ConfigError{Field: field, Err: err}
		}
		if e.Scraper == nil {
			return nil, &lunch.ConfigError{Field: field, Err: fmt.Errorf("site %s has no scraper", e.Info.Key)}
		}
		if _, dup := r.index[e.Info.Key]; dup {
			return nil, &lunch.ConfigError{Field: field, Err: fmt.Errorf("duplicate site key %s", e.Info.Key)}
		}
		r.index[e.Info.Key] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// MustNew is New for compiled-in tables; it panics on error.
func MustNew(entries ...Entry) *Registry {
	r, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// ErrUnknownSite is returned by Lookup for keys that are not registered.
var ErrUnknownSite = errors.New("unknown site")

// Entries returns a copy of the entries in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Lookup returns the entry registered for key.
func (r *Registry) Lookup(key lunch.SiteKey) (Entry, error) {
	i, ok := r.index[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownSite, key)
	}
	return r.entries[i], nil
}

// Len returns the number of registered sites.
func (r *Registry) Len() int {
	return len(r.entries)
}

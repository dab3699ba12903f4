package lunch

import (
	"fmt"
	"regexp"
	"strings"
)

var validSlug = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// SiteKey addresses a site by the slugs of its country, city and itself.
type SiteKey struct {
	Country string
	City    string
	Site    string
}

// NewSiteKey is shorthand for a SiteKey literal.
func NewSiteKey(country, city, site string) SiteKey {
	return SiteKey{Country: country, City: city, Site: site}
}

// ParseSiteKey parses the "country/city/site" form produced by String.
func ParseSiteKey(s string) (SiteKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return SiteKey{}, fmt.Errorf("site key %q: want country/city/site", s)
	}
	key := SiteKey{Country: parts[0], City: parts[1], Site: parts[2]}
	if err := key.Validate(); err != nil {
		return SiteKey{}, err
	}
	return key, nil
}

// String renders the key as "country/city/site".
func (k SiteKey) String() string {
	return k.Country + "/" + k.City + "/" + k.Site
}

// Validate checks that every part is a URL-safe slug.
func (k SiteKey) Validate() error {
	for _, p := range []struct{ name, value string }{
		{"country", k.Country},
		{"city", k.City},
		{"site", k.Site},
	} {
		if !validSlug.MatchString(p.value) {
			return fmt.Errorf("site key %s: invalid %s slug %q", k, p.name, p.value)
		}
	}
	return nil
}

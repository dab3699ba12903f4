// Package scrapeutil holds the small text helpers shared by site scrapers:
// slugs for restaurant keys, price extraction and whitespace cleanup.
package scrapeutil

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	priceRe   = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	stopWords = map[string]struct{}{"by": {}, "of": {}}
)

// Slugify folds s into a lower-case, dash-separated ASCII slug. Apostrophes
// are dropped rather than turned into separators and the stop words "by" and
// "of" are removed, which matches the slugs lindholmen.se publishes.
func Slugify(s string) string {
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		s,
	)
	if err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	words := strings.FieldsFunc(s, func(r rune) bool {
		return r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r))
	})
	kept := words[:0]
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, "-")
}

// ParsePrice returns the first decimal number in s, accepting either a comma
// or a dot as separator. It returns 0 when s holds no number.
func ParsePrice(s string) float64 {
	m := priceRe.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	return v
}

// ReduceWhitespace trims s and collapses every run of whitespace to a single
// space.
func ReduceWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

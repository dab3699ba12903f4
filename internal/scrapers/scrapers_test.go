package scrapers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/clock/system"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	reg := Default(system.Clock{})
	require.Equal(t, 2, reg.Len())

	var keys []string
	for _, e := range reg.Entries() {
		require.NotNil(t, e.Scraper)
		require.NotEmpty(t, e.Info.CountryName)
		require.NotEmpty(t, e.Info.CityName)
		require.NotEmpty(t, e.Info.SiteName)
		keys = append(keys, e.Info.Key.String())
	}
	require.Equal(t, []string{"se/gbg/lh", "se/gbg/majorna"}, keys)
}

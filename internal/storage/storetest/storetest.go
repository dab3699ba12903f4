// Package storetest checks a lunch.Store implementation against the write
// contract: restaurants keep their identity, dish sets are replaced whole and
// failed transactions leave no trace.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/lunch"
)

// Factory returns a fresh, empty store for one sub-test.
type Factory func(t *testing.T) lunch.Store

// Site is the site every check bootstraps.
var Site = lunch.SiteInfo{
	Key:            lunch.NewSiteKey("se", "gbg", "lh"),
	CountryName:    "Sverige",
	CurrencySuffix: "kr",
	CityName:       "Göteborg",
	SiteName:       "Lindholmen",
	SiteComment:    "Science park",
}

var errAbort = errors.New("abort")

// Run executes every check against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	checks := []struct {
		name string
		fn   func(t *testing.T, s lunch.Store)
	}{
		{"EnsureSiteIsIdempotent", ensureSiteIsIdempotent},
		{"UnknownSite", unknownSite},
		{"ReplaceRemovesStaleDishes", replaceRemovesStaleDishes},
		{"ApplyTwiceIsIdempotent", applyTwiceIsIdempotent},
		{"FailedTxRollsBack", failedTxRollsBack},
		{"DishOrderAndFields", dishOrderAndFields},
		{"RestaurantsAreIsolated", restaurantsAreIsolated},
		{"UpsertRejectsUnknownSite", upsertRejectsUnknownSite},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(s.Close)
			c.fn(t, s)
		})
	}
}

// Apply writes one restaurant the way the synchronizer does.
func Apply(ctx context.Context, s lunch.Store, siteID uuid.UUID, key string, fields lunch.RestaurantFields, dishes []lunch.Dish) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.WithRestaurantTx(ctx, func(w lunch.RestaurantWriter) error {
		var err error
		if id, err = w.UpsertRestaurant(ctx, siteID, key, fields); err != nil {
			return err
		}
		return w.ReplaceDishes(ctx, id, dishes)
	})
	return id, err
}

func bootstrap(t *testing.T, s lunch.Store) lunch.SiteRelation {
	t.Helper()
	rel, err := s.EnsureSite(context.Background(), Site)
	require.NoError(t, err)
	return rel
}

func fields(name string) lunch.RestaurantFields {
	return lunch.RestaurantFields{
		Name:     name,
		URL:      "https://example.com/" + name,
		ParsedAt: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
	}
}

func dishNames(t *testing.T, s lunch.Store, key string) []string {
	t.Helper()
	tree, err := s.ReadSiteTree(context.Background(), Site.Key)
	require.NoError(t, err)
	for _, r := range tree.Site.Restaurants {
		if r.Key == key {
			names := make([]string, 0, len(r.Dishes))
			for _, d := range r.Dishes {
				names = append(names, d.Name)
			}
			return names
		}
	}
	t.Fatalf("restaurant %q not found", key)
	return nil
}

func dishes(names ...string) []lunch.Dish {
	out := make([]lunch.Dish, 0, len(names))
	for _, n := range names {
		out = append(out, lunch.Dish{Name: n, Price: 100})
	}
	return out
}

func ensureSiteIsIdempotent(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	first := bootstrap(t, s)
	second := bootstrap(t, s)
	require.Equal(t, first, second)

	rel, err := s.SiteRelation(ctx, Site.Key)
	require.NoError(t, err)
	require.Equal(t, first, rel)

	countries, err := s.ListCountries(ctx)
	require.NoError(t, err)
	require.Len(t, countries, 1)
	require.Equal(t, "se", countries[0].Slug)
	require.Equal(t, "kr", countries[0].CurrencySuffix)
	require.Len(t, countries[0].Cities, 1)
	require.Equal(t, "Göteborg", countries[0].Cities[0].Name)
	require.Len(t, countries[0].Cities[0].Sites, 1)
	require.Equal(t, "Lindholmen", countries[0].Cities[0].Sites[0].Name)
	require.Equal(t, "Science park", countries[0].Cities[0].Sites[0].Comment)
}

func unknownSite(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	_, err := s.SiteRelation(ctx, lunch.NewSiteKey("se", "gbg", "nowhere"))
	require.ErrorIs(t, err, lunch.ErrNotFound)
	_, err = s.ReadSiteTree(ctx, lunch.NewSiteKey("no", "osl", "x"))
	require.ErrorIs(t, err, lunch.ErrNotFound)
}

func replaceRemovesStaleDishes(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	rel := bootstrap(t, s)

	first, err := Apply(ctx, s, rel.SiteID, "r", fields("R"), dishes("A", "B"))
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, dishNames(t, s, "r"))

	second, err := Apply(ctx, s, rel.SiteID, "r", fields("R renamed"), dishes("B", "C"))
	require.NoError(t, err)
	require.Equal(t, first, second, "restaurant identity must be stable")
	require.Equal(t, []string{"B", "C"}, dishNames(t, s, "r"))

	tree, err := s.ReadSiteTree(ctx, Site.Key)
	require.NoError(t, err)
	require.Len(t, tree.Site.Restaurants, 1)
	require.Equal(t, "R renamed", tree.Site.Restaurants[0].Name)

	_, err = Apply(ctx, s, rel.SiteID, "r", fields("R"), nil)
	require.NoError(t, err)
	require.Empty(t, dishNames(t, s, "r"))
}

func applyTwiceIsIdempotent(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	rel := bootstrap(t, s)

	for i := 0; i < 2; i++ {
		_, err := Apply(ctx, s, rel.SiteID, "r", fields("R"), dishes("A", "B", "C"))
		require.NoError(t, err)
	}
	tree, err := s.ReadSiteTree(ctx, Site.Key)
	require.NoError(t, err)
	require.Len(t, tree.Site.Restaurants, 1)
	require.Equal(t, []string{"A", "B", "C"}, dishNames(t, s, "r"))
}

func failedTxRollsBack(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	rel := bootstrap(t, s)

	_, err := Apply(ctx, s, rel.SiteID, "r", fields("R"), dishes("A", "B"))
	require.NoError(t, err)

	err = s.WithRestaurantTx(ctx, func(w lunch.RestaurantWriter) error {
		id, err := w.UpsertRestaurant(ctx, rel.SiteID, "r", fields("Broken"))
		if err != nil {
			return err
		}
		if err := w.ReplaceDishes(ctx, id, dishes("X")); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	err = s.WithRestaurantTx(ctx, func(w lunch.RestaurantWriter) error {
		if _, err := w.UpsertRestaurant(ctx, rel.SiteID, "new", fields("New")); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	tree, err := s.ReadSiteTree(ctx, Site.Key)
	require.NoError(t, err)
	require.Len(t, tree.Site.Restaurants, 1)
	require.Equal(t, "R", tree.Site.Restaurants[0].Name)
	require.Equal(t, []string{"A", "B"}, dishNames(t, s, "r"))
}

func dishOrderAndFields(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	rel := bootstrap(t, s)

	in := []lunch.Dish{
		{Name: "Zucchini", Description: "grillad", Comment: "stark", Tags: []string{"vego", "glutenfri"}, Price: 119.5},
		{Name: "Aubergine", Price: 99},
		{Name: "Mango", Tags: []string{"dessert"}},
	}
	id, err := Apply(ctx, s, rel.SiteID, "r", fields("R"), in)
	require.NoError(t, err)

	tree, err := s.ReadSiteTree(ctx, Site.Key)
	require.NoError(t, err)
	require.Len(t, tree.Site.Restaurants, 1)
	r := tree.Site.Restaurants[0]
	require.Equal(t, id, r.ID)
	require.Equal(t, rel.SiteID, r.SiteID)
	require.Equal(t, "https://example.com/R", r.URL)
	require.True(t, r.ParsedAt.Equal(fields("R").ParsedAt))
	opts := cmp.Options{
		cmpopts.IgnoreFields(lunch.Dish{}, "ID", "RestaurantID"),
		cmpopts.EquateEmpty(),
		cmpopts.EquateApprox(0, 0.001),
	}
	if diff := cmp.Diff(in, r.Dishes, opts); diff != "" {
		t.Fatalf("stored dishes mismatch (-want +got):\n%s", diff)
	}
	for _, d := range r.Dishes {
		require.Equal(t, id, d.RestaurantID)
		require.NotEqual(t, uuid.Nil, d.ID)
	}

	require.Equal(t, "Sverige", tree.Country.Name)
	require.Equal(t, "gbg", tree.City.Slug)
	require.Equal(t, "lh", tree.Site.Slug)
}

func restaurantsAreIsolated(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	rel := bootstrap(t, s)

	_, err := Apply(ctx, s, rel.SiteID, "a", fields("A"), dishes("a1"))
	require.NoError(t, err)
	_, err = Apply(ctx, s, rel.SiteID, "b", fields("B"), dishes("b1", "b2"))
	require.NoError(t, err)
	_, err = Apply(ctx, s, rel.SiteID, "a", fields("A"), dishes("a2"))
	require.NoError(t, err)

	require.Equal(t, []string{"a2"}, dishNames(t, s, "a"))
	require.Equal(t, []string{"b1", "b2"}, dishNames(t, s, "b"))
}

func upsertRejectsUnknownSite(t *testing.T, s lunch.Store) {
	ctx := context.Background()
	bootstrap(t, s)
	_, err := Apply(ctx, s, uuid.New(), "r", fields("R"), dishes("A"))
	require.Error(t, err)
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/storage/storetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) lunch.Store { return newStore(t) })
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestDeleteRestaurantCascadesDishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	t.Cleanup(s.Close)

	rel, err := s.EnsureSite(ctx, storetest.Site)
	require.NoError(t, err)
	id, err := storetest.Apply(ctx, s, rel.SiteID, "r", lunch.RestaurantFields{
		Name:     "R",
		ParsedAt: time.Now(),
	}, []lunch.Dish{{Name: "A"}, {Name: "B"}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRestaurant(ctx, id))
	require.ErrorIs(t, s.DeleteRestaurant(ctx, id), lunch.ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT count(*) FROM dish`).Scan(&orphans))
	require.Zero(t, orphans)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lunch.db")

	s, err := New(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	rel, err := s.EnsureSite(ctx, storetest.Site)
	require.NoError(t, err)
	_, err = storetest.Apply(ctx, s, rel.SiteID, "r", lunch.RestaurantFields{
		Name:     "R",
		ParsedAt: time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC),
	}, []lunch.Dish{{Name: "Soppa", Tags: []string{"vego"}, Price: 95}})
	require.NoError(t, err)
	s.Close()

	reopened, err := New(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(reopened.Close)

	tree, err := reopened.ReadSiteTree(ctx, storetest.Site.Key)
	require.NoError(t, err)
	require.Len(t, tree.Site.Restaurants, 1)
	require.Equal(t, []string{"vego"}, tree.Site.Restaurants[0].Dishes[0].Tags)
	require.InDelta(t, 95.0, tree.Site.Restaurants[0].Dishes[0].Price, 0.001)
}

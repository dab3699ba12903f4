package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) lunch.Store { return NewStore(nil) })
}

func TestStagedWritesInvisibleUntilCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(nil)
	rel, err := s.EnsureSite(ctx, storetest.Site)
	require.NoError(t, err)

	err = s.WithRestaurantTx(ctx, func(w lunch.RestaurantWriter) error {
		id, err := w.UpsertRestaurant(ctx, rel.SiteID, "r", lunch.RestaurantFields{Name: "R"})
		require.NoError(t, err)
		require.NoError(t, w.ReplaceDishes(ctx, id, []lunch.Dish{{Name: "A"}}))

		tree, err := s.ReadSiteTree(ctx, storetest.Site.Key)
		require.NoError(t, err)
		require.Empty(t, tree.Site.Restaurants)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.DishCount())
}

func TestDeleteRestaurantCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(nil)
	rel, err := s.EnsureSite(ctx, storetest.Site)
	require.NoError(t, err)
	id, err := storetest.Apply(ctx, s, rel.SiteID, "r", lunch.RestaurantFields{Name: "R"}, []lunch.Dish{{Name: "A"}, {Name: "B"}})
	require.NoError(t, err)
	require.Equal(t, 2, s.DishCount())

	require.NoError(t, s.DeleteRestaurant(ctx, id))
	require.Zero(t, s.DishCount())
	require.ErrorIs(t, s.DeleteRestaurant(ctx, id), lunch.ErrNotFound)

	// The key is free again and gets a new identity.
	again, err := storetest.Apply(ctx, s, rel.SiteID, "r", lunch.RestaurantFields{Name: "R"}, nil)
	require.NoError(t, err)
	require.NotEqual(t, id, again)
}

func TestCancelledContextRollsBack(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	rel, err := s.EnsureSite(context.Background(), storetest.Site)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = s.WithRestaurantTx(ctx, func(w lunch.RestaurantWriter) error {
		_, err := w.UpsertRestaurant(ctx, rel.SiteID, "r", lunch.RestaurantFields{Name: "R"})
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	tree, err := s.ReadSiteTree(context.Background(), storetest.Site.Key)
	require.NoError(t, err)
	require.Empty(t, tree.Site.Restaurants)
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	iduuid "github.com/oddlid/rlunch/internal/id/uuid"
	"github.com/oddlid/rlunch/internal/lunch"
)

type restaurantKey struct {
	siteID uuid.UUID
	key    string
}

// Store is a lunch.Store kept in maps. Restaurant transactions are
// serialized and staged: nothing a transaction writes is visible to readers
// until it commits, and a failed transaction leaves no trace.
type Store struct {
	ids lunch.IDGenerator

	txMu sync.Mutex // one restaurant transaction at a time

	mu          sync.RWMutex
	countries   map[uuid.UUID]lunch.Country
	cities      map[uuid.UUID]lunch.City
	sites       map[uuid.UUID]lunch.Site
	restaurants map[uuid.UUID]lunch.Restaurant
	byKey       map[restaurantKey]uuid.UUID
	dishes      map[uuid.UUID][]lunch.Dish
}

var _ lunch.Store = (*Store)(nil)

// NewStore returns an empty store. ids may be nil.
func NewStore(ids lunch.IDGenerator) *Store {
	if ids == nil {
		ids = iduuid.New()
	}
	return &Store{
		ids:         ids,
		countries:   make(map[uuid.UUID]lunch.Country),
		cities:      make(map[uuid.UUID]lunch.City),
		sites:       make(map[uuid.UUID]lunch.Site),
		restaurants: make(map[uuid.UUID]lunch.Restaurant),
		byKey:       make(map[restaurantKey]uuid.UUID),
		dishes:      make(map[uuid.UUID][]lunch.Dish),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// EnsureSite creates or updates the country, city and site of info.
func (s *Store) EnsureSite(ctx context.Context, info lunch.SiteInfo) (lunch.SiteRelation, error) {
	if err := ctx.Err(); err != nil {
		return lunch.SiteRelation{}, err
	}
	if err := info.Key.Validate(); err != nil {
		return lunch.SiteRelation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rel lunch.SiteRelation
	country, ok := s.findCountry(info.Key.Country)
	if !ok {
		id, err := s.ids.NewUUID()
		if err != nil {
			return rel, err
		}
		country = lunch.Country{ID: id, Slug: info.Key.Country}
	}
	country.Name = info.CountryName
	country.CurrencySuffix = info.CurrencySuffix
	s.countries[country.ID] = country
	rel.CountryID = country.ID

	city, ok := s.findCity(country.ID, info.Key.City)
	if !ok {
		id, err := s.ids.NewUUID()
		if err != nil {
			return rel, err
		}
		city = lunch.City{ID: id, CountryID: country.ID, Slug: info.Key.City}
	}
	city.Name = info.CityName
	s.cities[city.ID] = city
	rel.CityID = city.ID

	site, ok := s.findSite(city.ID, info.Key.Site)
	if !ok {
		id, err := s.ids.NewUUID()
		if err != nil {
			return rel, err
		}
		site = lunch.Site{ID: id, CityID: city.ID, Slug: info.Key.Site}
	}
	site.Name = info.SiteName
	site.Comment = info.SiteComment
	s.sites[site.ID] = site
	rel.SiteID = site.ID
	return rel, nil
}

// SiteRelation resolves key to row identifiers.
func (s *Store) SiteRelation(ctx context.Context, key lunch.SiteKey) (lunch.SiteRelation, error) {
	if err := ctx.Err(); err != nil {
		return lunch.SiteRelation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relation(key)
}

func (s *Store) relation(key lunch.SiteKey) (lunch.SiteRelation, error) {
	country, ok := s.findCountry(key.Country)
	if !ok {
		return lunch.SiteRelation{}, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	city, ok := s.findCity(country.ID, key.City)
	if !ok {
		return lunch.SiteRelation{}, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	site, ok := s.findSite(city.ID, key.Site)
	if !ok {
		return lunch.SiteRelation{}, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	return lunch.SiteRelation{CountryID: country.ID, CityID: city.ID, SiteID: site.ID}, nil
}

// WithRestaurantTx runs fn against a staged transaction and applies its
// writes only if fn and ctx both succeed.
func (s *Store) WithRestaurantTx(ctx context.Context, fn func(lunch.RestaurantWriter) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &tx{
		store:       s,
		restaurants: make(map[uuid.UUID]lunch.Restaurant),
		byKey:       make(map[restaurantKey]uuid.UUID),
		dishes:      make(map[uuid.UUID][]lunch.Dish),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range tx.restaurants {
		s.restaurants[id] = r
	}
	for k, id := range tx.byKey {
		s.byKey[k] = id
	}
	for id, d := range tx.dishes {
		s.dishes[id] = d
	}
	return nil
}

// ListCountries returns every country with its cities and sites, ordered by
// slug. Restaurants are not included.
func (s *Store) ListCountries(ctx context.Context) ([]lunch.Country, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	countries := make([]lunch.Country, 0, len(s.countries))
	for _, c := range s.countries {
		c.Cities = nil
		for _, city := range s.cities {
			if city.CountryID != c.ID {
				continue
			}
			city.Sites = nil
			for _, site := range s.sites {
				if site.CityID == city.ID {
					site.Restaurants = nil
					city.Sites = append(city.Sites, site)
				}
			}
			sort.Slice(city.Sites, func(i, j int) bool { return city.Sites[i].Slug < city.Sites[j].Slug })
			c.Cities = append(c.Cities, city)
		}
		sort.Slice(c.Cities, func(i, j int) bool { return c.Cities[i].Slug < c.Cities[j].Slug })
		countries = append(countries, c)
	}
	sort.Slice(countries, func(i, j int) bool { return countries[i].Slug < countries[j].Slug })
	return countries, nil
}

// ReadSiteTree returns the site of key with its ancestors, restaurants
// ordered by name and dishes in stored order.
func (s *Store) ReadSiteTree(ctx context.Context, key lunch.SiteKey) (lunch.SiteTree, error) {
	if err := ctx.Err(); err != nil {
		return lunch.SiteTree{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, err := s.relation(key)
	if err != nil {
		return lunch.SiteTree{}, err
	}
	tree := lunch.SiteTree{
		Country: s.countries[rel.CountryID],
		City:    s.cities[rel.CityID],
		Site:    s.sites[rel.SiteID],
	}
	for _, r := range s.restaurants {
		if r.SiteID != rel.SiteID {
			continue
		}
		r.Dishes = append(make([]lunch.Dish, 0, len(s.dishes[r.ID])), s.dishes[r.ID]...)
		tree.Site.Restaurants = append(tree.Site.Restaurants, r)
	}
	sort.Slice(tree.Site.Restaurants, func(i, j int) bool {
		a, b := tree.Site.Restaurants[i], tree.Site.Restaurants[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Key < b.Key
	})
	return tree, nil
}

// DeleteRestaurant removes a restaurant and, with it, its dishes.
func (s *Store) DeleteRestaurant(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.restaurants[id]
	if !ok {
		return fmt.Errorf("restaurant %s: %w", id, lunch.ErrNotFound)
	}
	delete(s.restaurants, id)
	delete(s.byKey, restaurantKey{siteID: r.SiteID, key: r.Key})
	delete(s.dishes, id)
	return nil
}

// DishCount returns the number of stored dishes across all restaurants.
func (s *Store) DishCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.dishes {
		n += len(d)
	}
	return n
}

func (s *Store) findCountry(slug string) (lunch.Country, bool) {
	for _, c := range s.countries {
		if c.Slug == slug {
			return c, true
		}
	}
	return lunch.Country{}, false
}

func (s *Store) findCity(countryID uuid.UUID, slug string) (lunch.City, bool) {
	for _, c := range s.cities {
		if c.CountryID == countryID && c.Slug == slug {
			return c, true
		}
	}
	return lunch.City{}, false
}

func (s *Store) findSite(cityID uuid.UUID, slug string) (lunch.Site, bool) {
	for _, site := range s.sites {
		if site.CityID == cityID && site.Slug == slug {
			return site, true
		}
	}
	return lunch.Site{}, false
}

type tx struct {
	store       *Store
	restaurants map[uuid.UUID]lunch.Restaurant
	byKey       map[restaurantKey]uuid.UUID
	dishes      map[uuid.UUID][]lunch.Dish
}

func (t *tx) UpsertRestaurant(
	ctx context.Context,
	siteID uuid.UUID,
	key string,
	fields lunch.RestaurantFields,
) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	rk := restaurantKey{siteID: siteID, key: key}

	t.store.mu.RLock()
	_, siteExists := t.store.sites[siteID]
	id, exists := t.store.byKey[rk]
	t.store.mu.RUnlock()

	if !siteExists {
		return uuid.Nil, fmt.Errorf("site %s: %w", siteID, lunch.ErrNotFound)
	}
	if staged, ok := t.byKey[rk]; ok {
		id, exists = staged, true
	}
	if !exists {
		var err error
		if id, err = t.store.ids.NewUUID(); err != nil {
			return uuid.Nil, err
		}
	}
	t.byKey[rk] = id
	t.restaurants[id] = lunch.Restaurant{ID: id, SiteID: siteID, Key: key, RestaurantFields: fields}
	return id, nil
}

func (t *tx) ReplaceDishes(ctx context.Context, restaurantID uuid.UUID, dishes []lunch.Dish) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.restaurants[restaurantID]; !ok {
		t.store.mu.RLock()
		_, ok = t.store.restaurants[restaurantID]
		t.store.mu.RUnlock()
		if !ok {
			return fmt.Errorf("restaurant %s: %w", restaurantID, lunch.ErrNotFound)
		}
	}

	replaced := make([]lunch.Dish, 0, len(dishes))
	for _, d := range dishes {
		id, err := t.store.ids.NewUUID()
		if err != nil {
			return err
		}
		d.ID = id
		d.RestaurantID = restaurantID
		d.Tags = append([]string(nil), d.Tags...)
		replaced = append(replaced, d)
	}
	t.dishes[restaurantID] = replaced
	return nil
}

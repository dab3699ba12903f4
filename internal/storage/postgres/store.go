// Package postgres implements lunch.Store on Postgres through a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	iduuid "github.com/oddlid/rlunch/internal/id/uuid"
	"github.com/oddlid/rlunch/internal/lunch"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres lunch.Store.
type Store struct {
	pool pool
	ids  lunch.IDGenerator
}

var _ lunch.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, ids lunch.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, ids)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, ids lunch.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		ids = iduuid.New()
	}
	return &Store{pool: p, ids: ids}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const (
	upsertCountrySQL = `
INSERT INTO country (country_id, url_id, country_name, currency_suffix)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url_id) DO UPDATE
SET country_name = EXCLUDED.country_name,
    currency_suffix = EXCLUDED.currency_suffix,
    updated_at = now()
RETURNING country_id`

	upsertCitySQL = `
INSERT INTO city (city_id, country_id, url_id, city_name)
VALUES ($1, $2, $3, $4)
ON CONFLICT (country_id, url_id) DO UPDATE
SET city_name = EXCLUDED.city_name,
    updated_at = now()
RETURNING city_id`

	upsertSiteSQL = `
INSERT INTO site (site_id, city_id, url_id, site_name, comment)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (city_id, url_id) DO UPDATE
SET site_name = EXCLUDED.site_name,
    comment = EXCLUDED.comment,
    updated_at = now()
RETURNING site_id`

	siteRelationSQL = `
WITH c AS (
    SELECT country_id FROM country WHERE url_id = $1
), ci AS (
    SELECT city.city_id, city.country_id FROM city JOIN c ON c.country_id = city.country_id
    WHERE city.url_id = $2
)
SELECT ci.country_id, ci.city_id, s.site_id
FROM site s
JOIN ci ON ci.city_id = s.city_id
WHERE s.url_id = $3`

	upsertRestaurantSQL = `
INSERT INTO restaurant (
    restaurant_id, site_id, restaurant_key, restaurant_name,
    comment, address, url, map_url, parsed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (site_id, restaurant_key) DO UPDATE
SET restaurant_name = EXCLUDED.restaurant_name,
    comment = EXCLUDED.comment,
    address = EXCLUDED.address,
    url = EXCLUDED.url,
    map_url = EXCLUDED.map_url,
    parsed_at = EXCLUDED.parsed_at,
    updated_at = now()
RETURNING restaurant_id`

	deleteDishesSQL     = `DELETE FROM dish WHERE restaurant_id = $1`
	deleteRestaurantSQL = `DELETE FROM restaurant WHERE restaurant_id = $1`

	listCountriesSQL = `
SELECT c.url_id, c.country_name, c.currency_suffix,
       ci.url_id, ci.city_name,
       s.url_id, s.site_name, s.comment
FROM country c
JOIN city ci ON ci.country_id = c.country_id
JOIN site s ON s.city_id = ci.city_id
ORDER BY c.url_id, ci.url_id, s.url_id`

	readSiteSQL = `
SELECT c.country_id, c.url_id, c.country_name, c.currency_suffix,
       ci.city_id, ci.url_id, ci.city_name,
       s.site_id, s.url_id, s.site_name, s.comment
FROM site s
JOIN city ci ON ci.city_id = s.city_id
JOIN country c ON c.country_id = ci.country_id
WHERE c.url_id = $1 AND ci.url_id = $2 AND s.url_id = $3`

	readRestaurantsSQL = `
SELECT restaurant_id, restaurant_key, restaurant_name, comment, address, url, map_url, parsed_at
FROM restaurant
WHERE site_id = $1
ORDER BY restaurant_name, restaurant_key`

	readDishesSQL = `
SELECT d.dish_id, d.restaurant_id, d.dish_name, d.description, d.comment, d.tags, d.price
FROM dish d
JOIN restaurant r ON r.restaurant_id = d.restaurant_id
WHERE r.site_id = $1
ORDER BY d.restaurant_id, d.position`
)

var dishColumns = []string{
	"dish_id", "restaurant_id", "position", "dish_name", "description", "comment", "tags", "price",
}

// EnsureSite upserts the country, city and site of info in one transaction.
func (s *Store) EnsureSite(ctx context.Context, info lunch.SiteInfo) (rel lunch.SiteRelation, err error) {
	if err := info.Key.Validate(); err != nil {
		return rel, err
	}
	ids := make([]uuid.UUID, 3)
	for i := range ids {
		if ids[i], err = s.ids.NewUUID(); err != nil {
			return rel, err
		}
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, upsertCountrySQL,
			ids[0], info.Key.Country, info.CountryName, info.CurrencySuffix,
		).Scan(&rel.CountryID); err != nil {
			return fmt.Errorf("upsert country: %w", err)
		}
		if err := tx.QueryRow(ctx, upsertCitySQL,
			ids[1], rel.CountryID, info.Key.City, info.CityName,
		).Scan(&rel.CityID); err != nil {
			return fmt.Errorf("upsert city: %w", err)
		}
		if err := tx.QueryRow(ctx, upsertSiteSQL,
			ids[2], rel.CityID, info.Key.Site, info.SiteName, info.SiteComment,
		).Scan(&rel.SiteID); err != nil {
			return fmt.Errorf("upsert site: %w", err)
		}
		return nil
	})
	if err != nil {
		return lunch.SiteRelation{}, fmt.Errorf("ensure site %s: %w", info.Key, err)
	}
	return rel, nil
}

// SiteRelation resolves key to row identifiers.
func (s *Store) SiteRelation(ctx context.Context, key lunch.SiteKey) (lunch.SiteRelation, error) {
	var rel lunch.SiteRelation
	err := s.pool.QueryRow(ctx, siteRelationSQL, key.Country, key.City, key.Site).
		Scan(&rel.CountryID, &rel.CityID, &rel.SiteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return rel, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	if err != nil {
		return rel, fmt.Errorf("site relation %s: %w", key, err)
	}
	return rel, nil
}

// WithRestaurantTx runs fn in one transaction; it commits when fn returns nil
// and rolls back otherwise.
func (s *Store) WithRestaurantTx(ctx context.Context, fn func(lunch.RestaurantWriter) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&writer{tx: tx, ids: s.ids})
	})
}

// DeleteRestaurant removes a restaurant; its dishes go with it by cascade.
func (s *Store) DeleteRestaurant(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, deleteRestaurantSQL, id)
	if err != nil {
		return fmt.Errorf("delete restaurant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("restaurant %s: %w", id, lunch.ErrNotFound)
	}
	return nil
}

// inTx uses explicit Begin/Commit/Rollback rather than pgx.BeginFunc so the
// statement sequence stays visible to pgxmock expectations.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListCountries returns the country, city and site tree without restaurants.
func (s *Store) ListCountries(ctx context.Context) ([]lunch.Country, error) {
	rows, err := s.pool.Query(ctx, listCountriesSQL)
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	defer rows.Close()

	var countries []lunch.Country
	for rows.Next() {
		var (
			country lunch.Country
			city    lunch.City
			site    lunch.Site
		)
		if err := rows.Scan(
			&country.Slug, &country.Name, &country.CurrencySuffix,
			&city.Slug, &city.Name,
			&site.Slug, &site.Name, &site.Comment,
		); err != nil {
			return nil, fmt.Errorf("scan country row: %w", err)
		}
		countries = appendSite(countries, country, city, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	return countries, nil
}

// appendSite folds one ordered join row into the nested tree.
func appendSite(countries []lunch.Country, country lunch.Country, city lunch.City, site lunch.Site) []lunch.Country {
	if n := len(countries); n == 0 || countries[n-1].Slug != country.Slug {
		countries = append(countries, country)
	}
	c := &countries[len(countries)-1]
	if n := len(c.Cities); n == 0 || c.Cities[n-1].Slug != city.Slug {
		c.Cities = append(c.Cities, city)
	}
	ci := &c.Cities[len(c.Cities)-1]
	ci.Sites = append(ci.Sites, site)
	return countries
}

// ReadSiteTree reads a site, its restaurants and their dishes from one
// repeatable-read snapshot.
func (s *Store) ReadSiteTree(ctx context.Context, key lunch.SiteKey) (lunch.SiteTree, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return lunch.SiteTree{}, fmt.Errorf("begin: %w", err)
	}
	tree, err := readSiteTree(ctx, tx, key)
	if err != nil {
		_ = tx.Rollback(ctx)
		return lunch.SiteTree{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return lunch.SiteTree{}, fmt.Errorf("commit: %w", err)
	}
	return tree, nil
}

func readSiteTree(ctx context.Context, tx pgx.Tx, key lunch.SiteKey) (lunch.SiteTree, error) {
	var t lunch.SiteTree
	err := tx.QueryRow(ctx, readSiteSQL, key.Country, key.City, key.Site).Scan(
		&t.Country.ID, &t.Country.Slug, &t.Country.Name, &t.Country.CurrencySuffix,
		&t.City.ID, &t.City.Slug, &t.City.Name,
		&t.Site.ID, &t.Site.Slug, &t.Site.Name, &t.Site.Comment,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("read site %s: %w", key, err)
	}
	t.City.CountryID = t.Country.ID
	t.Site.CityID = t.City.ID

	rows, err := tx.Query(ctx, readRestaurantsSQL, t.Site.ID)
	if err != nil {
		return t, fmt.Errorf("read restaurants: %w", err)
	}
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		r := lunch.Restaurant{SiteID: t.Site.ID, Dishes: []lunch.Dish{}}
		if err := rows.Scan(
			&r.ID, &r.Key, &r.Name, &r.Comment, &r.Address, &r.URL, &r.MapURL, &r.ParsedAt,
		); err != nil {
			rows.Close()
			return t, fmt.Errorf("scan restaurant: %w", err)
		}
		index[r.ID] = len(t.Site.Restaurants)
		t.Site.Restaurants = append(t.Site.Restaurants, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return t, fmt.Errorf("read restaurants: %w", err)
	}

	rows, err = tx.Query(ctx, readDishesSQL, t.Site.ID)
	if err != nil {
		return t, fmt.Errorf("read dishes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d lunch.Dish
		if err := rows.Scan(
			&d.ID, &d.RestaurantID, &d.Name, &d.Description, &d.Comment, &d.Tags, &d.Price,
		); err != nil {
			return t, fmt.Errorf("scan dish: %w", err)
		}
		if i, ok := index[d.RestaurantID]; ok {
			t.Site.Restaurants[i].Dishes = append(t.Site.Restaurants[i].Dishes, d)
		}
	}
	if err := rows.Err(); err != nil {
		return t, fmt.Errorf("read dishes: %w", err)
	}
	return t, nil
}

type writer struct {
	tx  pgx.Tx
	ids lunch.IDGenerator
}

func (w *writer) UpsertRestaurant(
	ctx context.Context,
	siteID uuid.UUID,
	key string,
	fields lunch.RestaurantFields,
) (uuid.UUID, error) {
	candidate, err := w.ids.NewUUID()
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	if err := w.tx.QueryRow(ctx, upsertRestaurantSQL,
		candidate, siteID, key, fields.Name,
		fields.Comment, fields.Address, fields.URL, fields.MapURL, fields.ParsedAt,
	).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("upsert restaurant: %w", err)
	}
	return id, nil
}

func (w *writer) ReplaceDishes(ctx context.Context, restaurantID uuid.UUID, dishes []lunch.Dish) error {
	if _, err := w.tx.Exec(ctx, deleteDishesSQL, restaurantID); err != nil {
		return fmt.Errorf("delete dishes: %w", err)
	}
	if len(dishes) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(dishes))
	for i, d := range dishes {
		id, err := w.ids.NewUUID()
		if err != nil {
			return err
		}
		tags := d.Tags
		if tags == nil {
			tags = []string{}
		}
		rows = append(rows, []any{id, restaurantID, i, d.Name, d.Description, d.Comment, tags, d.Price})
	}
	n, err := w.tx.CopyFrom(ctx, pgx.Identifier{"dish"}, dishColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert dishes: %w", err)
	}
	if int(n) != len(dishes) {
		return fmt.Errorf("insert dishes: wrote %d of %d", n, len(dishes))
	}
	return nil
}

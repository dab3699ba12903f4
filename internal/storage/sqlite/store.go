// Package sqlite implements lunch.Store on an embedded SQLite database
// through the pure Go modernc.org/sqlite driver. It backs single-node
// deployments and the contract tests that need a real SQL engine.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	iduuid "github.com/oddlid/rlunch/internal/id/uuid"
	"github.com/oddlid/rlunch/internal/lunch"
)

//go:embed schema.sql
var schemaSQL string

// Config selects the database file. ":memory:" keeps everything in RAM.
type Config struct {
	Path string
}

// Store is the SQLite lunch.Store. It holds a single connection, which also
// serializes transactions the way SQLite would anyway.
type Store struct {
	db  *sql.DB
	ids lunch.IDGenerator
}

var _ lunch.Store = (*Store)(nil)

// New opens the database, enables foreign keys and applies the schema.
func New(ctx context.Context, cfg Config, ids lunch.IDGenerator) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if ids == nil {
		ids = iduuid.New()
	}
	return &Store{db: db, ids: ids}, nil
}

func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

// Close releases the database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureSite upserts the country, city and site of info in one transaction.
func (s *Store) EnsureSite(ctx context.Context, info lunch.SiteInfo) (rel lunch.SiteRelation, err error) {
	if err := info.Key.Validate(); err != nil {
		return rel, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if rel.CountryID, err = s.upsertID(ctx, tx, `
INSERT INTO country (country_id, url_id, country_name, currency_suffix)
VALUES (?, ?, ?, ?)
ON CONFLICT (url_id) DO UPDATE
SET country_name = excluded.country_name, currency_suffix = excluded.currency_suffix
RETURNING country_id`, info.Key.Country, info.CountryName, info.CurrencySuffix); err != nil {
			return fmt.Errorf("upsert country: %w", err)
		}
		if rel.CityID, err = s.upsertID(ctx, tx, `
INSERT INTO city (city_id, country_id, url_id, city_name)
VALUES (?, ?, ?, ?)
ON CONFLICT (country_id, url_id) DO UPDATE
SET city_name = excluded.city_name
RETURNING city_id`, rel.CountryID, info.Key.City, info.CityName); err != nil {
			return fmt.Errorf("upsert city: %w", err)
		}
		if rel.SiteID, err = s.upsertID(ctx, tx, `
INSERT INTO site (site_id, city_id, url_id, site_name, comment)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (city_id, url_id) DO UPDATE
SET site_name = excluded.site_name, comment = excluded.comment
RETURNING site_id`, rel.CityID, info.Key.Site, info.SiteName, info.SiteComment); err != nil {
			return fmt.Errorf("upsert site: %w", err)
		}
		return nil
	})
	if err != nil {
		return lunch.SiteRelation{}, fmt.Errorf("ensure site %s: %w", info.Key, err)
	}
	return rel, nil
}

// upsertID runs an upsert whose first placeholder is a freshly generated id
// and returns whichever id the row ends up with.
func (s *Store) upsertID(ctx context.Context, tx *sql.Tx, query string, args ...any) (uuid.UUID, error) {
	candidate, err := s.ids.NewUUID()
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = tx.QueryRowContext(ctx, query, append([]any{candidate}, args...)...).Scan(&id)
	return id, err
}

// SiteRelation resolves key to row identifiers.
func (s *Store) SiteRelation(ctx context.Context, key lunch.SiteKey) (lunch.SiteRelation, error) {
	var rel lunch.SiteRelation
	err := s.db.QueryRowContext(ctx, `
SELECT c.country_id, ci.city_id, s.site_id
FROM site s
JOIN city ci ON ci.city_id = s.city_id
JOIN country c ON c.country_id = ci.country_id
WHERE c.url_id = ? AND ci.url_id = ? AND s.url_id = ?`,
		key.Country, key.City, key.Site,
	).Scan(&rel.CountryID, &rel.CityID, &rel.SiteID)
	if errors.Is(err, sql.ErrNoRows) {
		return rel, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	if err != nil {
		return rel, fmt.Errorf("site relation %s: %w", key, err)
	}
	return rel, nil
}

// WithRestaurantTx runs fn in one transaction.
func (s *Store) WithRestaurantTx(ctx context.Context, fn func(lunch.RestaurantWriter) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&writer{tx: tx, ids: s.ids})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteRestaurant removes a restaurant and, by cascade, its dishes.
func (s *Store) DeleteRestaurant(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM restaurant WHERE restaurant_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete restaurant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("restaurant %s: %w", id, lunch.ErrNotFound)
	}
	return nil
}

// ListCountries returns the country, city and site tree without restaurants.
func (s *Store) ListCountries(ctx context.Context) ([]lunch.Country, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.country_id, c.url_id, c.country_name, c.currency_suffix,
       ci.city_id, ci.url_id, ci.city_name,
       s.site_id, s.url_id, s.site_name, s.comment
FROM country c
JOIN city ci ON ci.country_id = c.country_id
JOIN site s ON s.city_id = ci.city_id
ORDER BY c.url_id, ci.url_id, s.url_id`)
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
			&country.ID, &country.Slug, &country.Name, &country.CurrencySuffix,
			&city.ID, &city.Slug, &city.Name,
			&site.ID, &site.Slug, &site.Name, &site.Comment,
		); err != nil {
			return nil, fmt.Errorf("scan country row: %w", err)
		}
		city.CountryID = country.ID
		site.CityID = city.ID

		if n := len(countries); n == 0 || countries[n-1].ID != country.ID {
			countries = append(countries, country)
		}
		c := &countries[len(countries)-1]
		if n := len(c.Cities); n == 0 || c.Cities[n-1].ID != city.ID {
			c.Cities = append(c.Cities, city)
		}
		ci := &c.Cities[len(c.Cities)-1]
		ci.Sites = append(ci.Sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	return countries, nil
}

// ReadSiteTree reads a site with its restaurants and dishes inside one
// read transaction.
func (s *Store) ReadSiteTree(ctx context.Context, key lunch.SiteKey) (lunch.SiteTree, error) {
	var tree lunch.SiteTree
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		tree, err = readSiteTree(ctx, tx, key)
		return err
	})
	return tree, err
}

func readSiteTree(ctx context.Context, tx *sql.Tx, key lunch.SiteKey) (lunch.SiteTree, error) {
	var t lunch.SiteTree
	err := tx.QueryRowContext(ctx, `
SELECT c.country_id, c.url_id, c.country_name, c.currency_suffix,
       ci.city_id, ci.url_id, ci.city_name,
       s.site_id, s.url_id, s.site_name, s.comment
FROM site s
JOIN city ci ON ci.city_id = s.city_id
JOIN country c ON c.country_id = ci.country_id
WHERE c.url_id = ? AND ci.url_id = ? AND s.url_id = ?`,
		key.Country, key.City, key.Site,
	).Scan(
		&t.Country.ID, &t.Country.Slug, &t.Country.Name, &t.Country.CurrencySuffix,
		&t.City.ID, &t.City.Slug, &t.City.Name,
		&t.Site.ID, &t.Site.Slug, &t.Site.Name, &t.Site.Comment,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("site %s: %w", key, lunch.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("read site %s: %w", key, err)
	}
	t.City.CountryID = t.Country.ID
	t.Site.CityID = t.City.ID

	restaurants, err := tx.QueryContext(ctx, `
SELECT restaurant_id, restaurant_key, restaurant_name, comment, address, url, map_url, parsed_at
FROM restaurant
WHERE site_id = ?
ORDER BY restaurant_name, restaurant_key`, t.Site.ID)
	if err != nil {
		return t, fmt.Errorf("read restaurants: %w", err)
	}
	index := make(map[uuid.UUID]int)
	for restaurants.Next() {
		var parsedAt string
		r := lunch.Restaurant{SiteID: t.Site.ID, Dishes: []lunch.Dish{}}
		if err := restaurants.Scan(
			&r.ID, &r.Key, &r.Name, &r.Comment, &r.Address, &r.URL, &r.MapURL, &parsedAt,
		); err != nil {
			restaurants.Close()
			return t, fmt.Errorf("scan restaurant: %w", err)
		}
		if r.ParsedAt, err = time.Parse(time.RFC3339Nano, parsedAt); err != nil {
			restaurants.Close()
			return t, fmt.Errorf("restaurant %s parsed_at: %w", r.Key, err)
		}
		index[r.ID] = len(t.Site.Restaurants)
		t.Site.Restaurants = append(t.Site.Restaurants, r)
	}
	restaurants.Close()
	if err := restaurants.Err(); err != nil {
		return t, fmt.Errorf("read restaurants: %w", err)
	}

	dishes, err := tx.QueryContext(ctx, `
SELECT d.dish_id, d.restaurant_id, d.dish_name, d.description, d.comment, d.tags, d.price
FROM dish d
JOIN restaurant r ON r.restaurant_id = d.restaurant_id
WHERE r.site_id = ?
ORDER BY d.restaurant_id, d.position`, t.Site.ID)
	if err != nil {
		return t, fmt.Errorf("read dishes: %w", err)
	}
	defer dishes.Close()
	for dishes.Next() {
		var (
			d    lunch.Dish
			tags string
		)
		if err := dishes.Scan(
			&d.ID, &d.RestaurantID, &d.Name, &d.Description, &d.Comment, &tags, &d.Price,
		); err != nil {
			return t, fmt.Errorf("scan dish: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
			return t, fmt.Errorf("dish %s tags: %w", d.ID, err)
		}
		if len(d.Tags) == 0 {
			d.Tags = nil
		}
		if i, ok := index[d.RestaurantID]; ok {
			t.Site.Restaurants[i].Dishes = append(t.Site.Restaurants[i].Dishes, d)
		}
	}
	if err := dishes.Err(); err != nil {
		return t, fmt.Errorf("read dishes: %w", err)
	}
	return t, nil
}

type writer struct {
	tx  *sql.Tx
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
	err = w.tx.QueryRowContext(ctx, `
INSERT INTO restaurant (
    restaurant_id, site_id, restaurant_key, restaurant_name,
    comment, address, url, map_url, parsed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (site_id, restaurant_key) DO UPDATE
SET restaurant_name = excluded.restaurant_name,
    comment = excluded.comment,
    address = excluded.address,
    url = excluded.url,
    map_url = excluded.map_url,
    parsed_at = excluded.parsed_at
RETURNING restaurant_id`,
		candidate, siteID, key, fields.Name,
		fields.Comment, fields.Address, fields.URL, fields.MapURL,
		fields.ParsedAt.UTC().Format(time.RFC3339Nano),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert restaurant: %w", err)
	}
	return id, nil
}

func (w *writer) ReplaceDishes(ctx context.Context, restaurantID uuid.UUID, dishes []lunch.Dish) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM dish WHERE restaurant_id = ?`, restaurantID); err != nil {
		return fmt.Errorf("delete dishes: %w", err)
	}
	if len(dishes) == 0 {
		return nil
	}
	stmt, err := w.tx.PrepareContext(ctx, `
INSERT INTO dish (dish_id, restaurant_id, position, dish_name, description, comment, tags, price)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare dish insert: %w", err)
	}
	defer stmt.Close()

	for i, d := range dishes {
		id, err := w.ids.NewUUID()
		if err != nil {
			return err
		}
		tags := d.Tags
		if tags == nil {
			tags = []string{}
		}
		encoded, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			id, restaurantID, i, d.Name, d.Description, d.Comment, string(encoded), d.Price,
		); err != nil {
			return fmt.Errorf("insert dish %d: %w", i, err)
		}
	}
	return nil
}

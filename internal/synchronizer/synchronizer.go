// Package synchronizer turns scrape results into store state. Every
// restaurant is written in its own transaction: the restaurant row is upserted
// by key and its dish set is replaced whole, so a failure leaves the previous
// dishes intact and never blocks other restaurants.
package synchronizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/oddlid/rlunch/internal/clock/system"
	"github.com/oddlid/rlunch/internal/lunch"
)

const (
	defaultWriteConcurrency = 4
	defaultStatementTimeout = 15 * time.Second
)

// Config bounds store usage.
type Config struct {
	// WriteConcurrency caps simultaneous restaurant transactions across all
	// Apply calls.
	WriteConcurrency int
	// StatementTimeout bounds one restaurant transaction.
	StatementTimeout time.Duration
}

// Write is the outcome of one restaurant write.
type Write struct {
	Site       lunch.SiteKey
	Restaurant string
	Duration   time.Duration
	Err        error
}

// WriteOutcome summarizes one Apply call.
type WriteOutcome struct {
	Written int
	Failed  int
	Errors  []error
	Writes  []Write
}

// Synchronizer applies scrape results to a lunch.SyncStore.
type Synchronizer struct {
	store  lunch.SyncStore
	cfg    Config
	logger *zap.Logger
	clock  lunch.Clock
	slots  *semaphore.Weighted

	mu    sync.Mutex
	sites map[lunch.SiteKey]uuid.UUID
}

// New constructs a Synchronizer. A nil logger disables logging.
func New(store lunch.SyncStore, cfg Config, logger *zap.Logger) (*Synchronizer, error) {
	if store == nil {
		return nil, errors.New("synchronizer: store is required")
	}
	if cfg.WriteConcurrency < 0 {
		return nil, &lunch.ConfigError{Field: "scrape.write_concurrency", Err: errors.New("must not be negative")}
	}
	if cfg.WriteConcurrency == 0 {
		cfg.WriteConcurrency = defaultWriteConcurrency
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = defaultStatementTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("synchronizer"),
		clock:  system.Clock{},
		slots:  semaphore.NewWeighted(int64(cfg.WriteConcurrency)),
		sites:  make(map[lunch.SiteKey]uuid.UUID),
	}, nil
}

// Apply writes every result independently and reports per-restaurant
// outcomes. Writes that have started run to completion or roll back even if
// ctx is cancelled; writes still waiting for a slot are abandoned.
func (s *Synchronizer) Apply(ctx context.Context, results []lunch.ScrapeResult) WriteOutcome {
	var out WriteOutcome
	if len(results) == 0 {
		return out
	}
	p := pool.NewWithResults[Write]()
	for _, r := range results {
		p.Go(func() Write {
			return s.apply(ctx, r)
		})
	}
	for _, w := range p.Wait() {
		out.Writes = append(out.Writes, w)
		if w.Err != nil {
			out.Failed++
			out.Errors = append(out.Errors, w.Err)
			continue
		}
		out.Written++
	}
	return out
}

func (s *Synchronizer) apply(ctx context.Context, r lunch.ScrapeResult) Write {
	w := Write{Site: r.SiteKey, Restaurant: r.RestaurantKey}

	err := ctx.Err()
	if err == nil {
		err = s.slots.Acquire(ctx, 1)
	}
	if err != nil {
		w.Err = &lunch.StoreError{Site: r.SiteKey, Restaurant: r.RestaurantKey, Op: "acquire", Err: err}
		return w
	}
	defer s.slots.Release(1)

	start := s.clock.Now()
	w.Err = s.write(ctx, r)
	w.Duration = s.clock.Now().Sub(start)
	if w.Err != nil {
		s.logger.Warn("restaurant write failed",
			zap.String("site", r.SiteKey.String()),
			zap.String("restaurant", r.RestaurantKey),
			zap.Error(w.Err),
		)
		return w
	}
	s.logger.Debug("restaurant written",
		zap.String("site", r.SiteKey.String()),
		zap.String("restaurant", r.RestaurantKey),
		zap.Int("dishes", len(r.Dishes)),
		zap.Duration("duration", w.Duration),
	)
	return w
}

func (s *Synchronizer) write(ctx context.Context, r lunch.ScrapeResult) error {
	fail := func(op string, err error) error {
		return &lunch.StoreError{Site: r.SiteKey, Restaurant: r.RestaurantKey, Op: op, Err: err}
	}
	if err := r.Validate(); err != nil {
		return fail("validate", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StatementTimeout)
	defer cancel()

	siteID, err := s.siteID(wctx, r.SiteKey)
	if err != nil {
		return fail("resolve site", err)
	}

	dishes := make([]lunch.Dish, len(r.Dishes))
	for i, d := range r.Dishes {
		d.Tags = lunch.NormalizeTags(d.Tags)
		dishes[i] = d
	}

	op := "upsert restaurant"
	err = s.store.WithRestaurantTx(wctx, func(tx lunch.RestaurantWriter) error {
		id, err := tx.UpsertRestaurant(wctx, siteID, r.RestaurantKey, r.Restaurant)
		if err != nil {
			return err
		}
		op = "replace dishes"
		if err := tx.ReplaceDishes(wctx, id, dishes); err != nil {
			return err
		}
		op = "commit"
		return nil
	})
	if err != nil {
		return fail(op, err)
	}
	return nil
}

// siteID resolves and memoizes the site row for key. Misses are not cached so
// a site bootstrapped later is picked up by the next pass.
func (s *Synchronizer) siteID(ctx context.Context, key lunch.SiteKey) (uuid.UUID, error) {
	s.mu.Lock()
	id, ok := s.sites[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}
	rel, err := s.store.SiteRelation(ctx, key)
	if err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	s.sites[key] = rel.SiteID
	s.mu.Unlock()
	return rel.SiteID, nil
}

// Forget drops memoized site relations, e.g. after a bootstrap rewrote them.
func (s *Synchronizer) Forget() {
	s.mu.Lock()
	clear(s.sites)
	s.mu.Unlock()
}

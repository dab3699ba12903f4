package fetchcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/oddlid/rlunch/internal/clock/system"
	"github.com/oddlid/rlunch/internal/hash/sha256"
	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/metrics"
)

const (
	DefaultTTL      = 20 * time.Minute
	DefaultCapacity = 64
	DefaultTimeout  = 5 * time.Second
)

// DefaultKeyHeaders are the request headers that take part in the cache key.
var DefaultKeyHeaders = []string{"Accept", "Accept-Language"}

const normalizeFlags = purell.FlagsSafe |
	purell.FlagRemoveFragment |
	purell.FlagSortQuery |
	purell.FlagRemoveDuplicateSlashes

// Config tunes the cache. Zero values fall back to the defaults above.
type Config struct {
	TTL        time.Duration
	Capacity   int
	Timeout    time.Duration
	KeyHeaders []string
	Clock      lunch.Clock
	Logger     *zap.Logger
}

type entry struct {
	Response lunch.FetchResponse
	StoredAt time.Time
}

// Cache is a lunch.Fetcher that serves repeated requests from memory.
type Cache struct {
	upstream lunch.Fetcher
	ttl      time.Duration
	timeout  time.Duration
	headers  []string
	clock    lunch.Clock
	logger   *zap.Logger
	hasher   *sha256.Hasher
	entries  *expirable.LRU[string, entry]
	group    singleflight.Group
}

var _ lunch.Fetcher = (*Cache)(nil)

// New wraps upstream with a response cache.
func New(upstream lunch.Fetcher, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeyHeaders == nil {
		cfg.KeyHeaders = DefaultKeyHeaders
	}
	if cfg.Clock == nil {
		cfg.Clock = system.Clock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	headers := make([]string, 0, len(cfg.KeyHeaders))
	for _, h := range cfg.KeyHeaders {
		headers = append(headers, http.CanonicalHeaderKey(strings.TrimSpace(h)))
	}
	slices.Sort(headers)
	headers = slices.Compact(headers)

	return &Cache{
		upstream: upstream,
		ttl:      cfg.TTL,
		timeout:  cfg.Timeout,
		headers:  headers,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("fetchcache"),
		hasher:   sha256.New(),
		entries:  expirable.NewLRU[string, entry](cfg.Capacity, nil, cfg.TTL),
	}
}

// Key returns the cache key of request: method, normalized URL and the
// configured headers.
func (c *Cache) Key(request lunch.FetchRequest) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(request.Method))
	if method == "" {
		method = http.MethodGet
	}
	normalized, err := purell.NormalizeURLString(request.URL, normalizeFlags)
	if err != nil {
		return "", fmt.Errorf("normalize url: %w", err)
	}
	parts := make([]string, 0, 2+len(c.headers))
	parts = append(parts, method, normalized)
	for _, h := range c.headers {
		parts = append(parts, h+":"+strings.Join(request.Headers.Values(h), ","))
	}
	return c.hasher.HashParts(parts...), nil
}

// Len reports the number of cached responses, expired ones included until
// they are reclaimed.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Fetch returns a cached response for request when a fresh one exists and
// otherwise fetches it upstream, sharing the call with concurrent callers
// asking for the same key.
func (c *Cache) Fetch(ctx context.Context, request lunch.FetchRequest) (lunch.FetchResponse, error) {
	if strings.TrimSpace(request.URL) == "" {
		return lunch.FetchResponse{}, &lunch.FetchError{Err: errors.New("url is required")}
	}
	key, err := c.Key(request)
	if err != nil {
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: err}
	}

	if resp, ok := c.lookup(key); ok {
		metrics.ObserveCacheLookup(metrics.CacheHit)
		return resp, nil
	}

	leader := false
	ch := c.group.DoChan(key, func() (any, error) {
		leader = true
		return c.load(ctx, key, request)
	})

	select {
	case <-ctx.Done():
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: ctx.Err()}
	case res := <-ch:
		if !leader {
			metrics.ObserveCacheLookup(metrics.CacheCoalesced)
		}
		if res.Err != nil {
			return lunch.FetchResponse{}, res.Err
		}
		resp, _ := res.Val.(lunch.FetchResponse)
		return cloneResponse(resp), nil
	}
}

// load runs once per key at a time. The upstream call is detached from the
// caller that happened to start it so that other waiters are not failed by
// that caller's cancellation; it is bounded by the fetch timeout instead.
func (c *Cache) load(ctx context.Context, key string, request lunch.FetchRequest) (lunch.FetchResponse, error) {
	if resp, ok := c.lookup(key); ok {
		metrics.ObserveCacheLookup(metrics.CacheHit)
		return resp, nil
	}
	metrics.ObserveCacheLookup(metrics.CacheMiss)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.upstream.Fetch(callCtx, request)
	metrics.ObserveUpstreamFetch(request.URL, err == nil && isSuccess(resp.StatusCode), time.Since(start))
	if err != nil {
		metrics.ObserveCacheLookup(metrics.CacheError)
		c.logger.Debug("upstream fetch failed", zap.String("url", request.URL), zap.Error(err))
		var fe *lunch.FetchError
		if errors.As(err, &fe) {
			return lunch.FetchResponse{}, err
		}
		return lunch.FetchResponse{}, &lunch.FetchError{URL: request.URL, Err: err}
	}
	if !isSuccess(resp.StatusCode) {
		metrics.ObserveCacheLookup(metrics.CacheError)
		return lunch.FetchResponse{}, &lunch.FetchError{
			URL:        request.URL,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	resp.FromCache = false
	c.entries.Add(key, entry{Response: cloneResponse(resp), StoredAt: c.clock.Now()})
	metrics.SetCacheEntries(c.entries.Len())
	return resp, nil
}

func (c *Cache) lookup(key string) (lunch.FetchResponse, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return lunch.FetchResponse{}, false
	}
	if c.clock.Now().Sub(e.StoredAt) >= c.ttl {
		c.entries.Remove(key)
		return lunch.FetchResponse{}, false
	}
	resp := cloneResponse(e.Response)
	resp.FromCache = true
	return resp, true
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func cloneResponse(r lunch.FetchResponse) lunch.FetchResponse {
	r.Body = bytes.Clone(r.Body)
	r.Headers = r.Headers.Clone()
	return r
}

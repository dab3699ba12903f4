package fetchcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req lunch.FetchRequest) (lunch.FetchResponse, error)
}

func (s *stubFetcher) Fetch(ctx context.Context, req lunch.FetchRequest) (lunch.FetchResponse, error) {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func okFetcher(body string) *stubFetcher {
	return &stubFetcher{fn: func(_ context.Context, req lunch.FetchRequest) (lunch.FetchResponse, error) {
		return lunch.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}}
}

func TestFetchCachesSuccess(t *testing.T) {
	t.Parallel()

	upstream := okFetcher("menu")
	cache := New(upstream, Config{Clock: newFakeClock()})
	ctx := context.Background()
	req := lunch.FetchRequest{URL: "https://example.com/lunch"}

	first, err := cache.Fetch(ctx, req)
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.Equal(t, "menu", string(first.Body))

	second, err := cache.Fetch(ctx, req)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, "menu", string(second.Body))
	require.EqualValues(t, 1, upstream.calls.Load())
	require.Equal(t, 1, cache.Len())

	// Mutating a returned body must not leak into the cache.
	second.Body[0] = 'X'
	third, err := cache.Fetch(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "menu", string(third.Body))
}

func TestFetchExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	upstream := okFetcher("menu")
	cache := New(upstream, Config{TTL: time.Minute, Clock: clock})
	req := lunch.FetchRequest{URL: "https://example.com/lunch"}

	_, err := cache.Fetch(context.Background(), req)
	require.NoError(t, err)
	clock.Advance(59 * time.Second)
	resp, err := cache.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.FromCache)

	clock.Advance(2 * time.Second)
	resp, err = cache.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.EqualValues(t, 2, upstream.calls.Load())
}

func TestFetchDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	upstream := &stubFetcher{fn: func(_ context.Context, req lunch.FetchRequest) (lunch.FetchResponse, error) {
		return lunch.FetchResponse{URL: req.URL, StatusCode: int(status.Load())}, nil
	}}
	cache := New(upstream, Config{Clock: newFakeClock()})
	req := lunch.FetchRequest{URL: "https://example.com/lunch"}

	_, err := cache.Fetch(context.Background(), req)
	var fe *lunch.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusInternalServerError, fe.StatusCode)
	require.Zero(t, cache.Len())

	status.Store(http.StatusOK)
	resp, err := cache.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.EqualValues(t, 2, upstream.calls.Load())
}

func TestFetchWrapsTransportErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	upstream := &stubFetcher{fn: func(context.Context, lunch.FetchRequest) (lunch.FetchResponse, error) {
		return lunch.FetchResponse{}, boom
	}}
	cache := New(upstream, Config{Clock: newFakeClock()})

	_, err := cache.Fetch(context.Background(), lunch.FetchRequest{URL: "https://example.com/"})
	var fe *lunch.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "https://example.com/", fe.URL)
	require.ErrorIs(t, err, boom)
}

func TestFetchRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	upstream := okFetcher("x")
	_, err := New(upstream, Config{}).Fetch(context.Background(), lunch.FetchRequest{})
	require.Error(t, err)
	require.Zero(t, upstream.calls.Load())
}

// fanOut starts n concurrent fetches once the upstream call is in flight and
// returns their outcomes after release is closed.
func fanOut(
	t *testing.T,
	cache *Cache,
	entered <-chan struct{},
	release chan<- struct{},
	n int,
) ([]lunch.FetchResponse, []error) {
	t.Helper()
	req := lunch.FetchRequest{URL: "https://example.com/menu"}
	responses := make([]lunch.FetchResponse, n)
	errs := make([]error, n)

	var started, done sync.WaitGroup
	started.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			responses[i], errs[i] = cache.Fetch(context.Background(), req)
		}(i)
	}
	started.Wait()
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()
	return responses, errs
}

func TestFetchCoalescesConcurrentSuccess(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	upstream := &stubFetcher{fn: func(_ context.Context, req lunch.FetchRequest) (lunch.FetchResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return lunch.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("shared")}, nil
	}}
	cache := New(upstream, Config{Clock: newFakeClock()})

	responses, errs := fanOut(t, cache, entered, release, 20)
	require.EqualValues(t, 1, upstream.calls.Load())
	for i := range responses {
		require.NoError(t, errs[i])
		require.Equal(t, "shared", string(responses[i].Body))
	}
}

func TestFetchCoalescesConcurrentFailure(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	upstream := &stubFetcher{fn: func(context.Context, lunch.FetchRequest) (lunch.FetchResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return lunch.FetchResponse{}, errors.New("upstream down")
	}}
	cache := New(upstream, Config{Clock: newFakeClock()})

	_, errs := fanOut(t, cache, entered, release, 20)
	require.EqualValues(t, 1, upstream.calls.Load())
	for _, err := range errs {
		require.ErrorContains(t, err, "upstream down")
	}
}

func TestFetchWaiterCancellation(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	upstream := &stubFetcher{fn: func(ctx context.Context, req lunch.FetchRequest) (lunch.FetchResponse, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return lunch.FetchResponse{}, ctx.Err()
		}
		return lunch.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("late")}, nil
	}}
	cache := New(upstream, Config{Clock: newFakeClock(), Timeout: 5 * time.Second})
	req := lunch.FetchRequest{URL: "https://example.com/slow"}

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(ctx, req)
		leaderErr <- err
	}()
	<-entered

	cancel()
	err := <-leaderErr
	var fe *lunch.FetchError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, context.Canceled)

	// The shared call keeps running for the remaining waiters.
	close(release)
	require.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, 5*time.Millisecond)
	resp, err := cache.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.True(t, resp.FromCache)
	require.Equal(t, "late", string(resp.Body))
	require.EqualValues(t, 1, upstream.calls.Load())
}

func TestFetchAppliesTimeout(t *testing.T) {
	t.Parallel()

	upstream := &stubFetcher{fn: func(ctx context.Context, _ lunch.FetchRequest) (lunch.FetchResponse, error) {
		<-ctx.Done()
		return lunch.FetchResponse{}, ctx.Err()
	}}
	cache := New(upstream, Config{Clock: newFakeClock(), Timeout: 20 * time.Millisecond})

	_, err := cache.Fetch(context.Background(), lunch.FetchRequest{URL: "https://example.com/hang"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyNormalization(t *testing.T) {
	t.Parallel()

	cache := New(okFetcher(""), Config{})
	key := func(method, url string, h http.Header) string {
		k, err := cache.Key(lunch.FetchRequest{Method: method, URL: url, Headers: h})
		require.NoError(t, err)
		return k
	}

	base := key("", "http://example.com/a?a=1&b=2", nil)
	require.Equal(t, base, key("get", "HTTP://Example.com:80/a?b=2&a=1#top", nil))
	require.Equal(t, base, key("GET", "http://example.com/a?a=1&b=2", http.Header{"User-Agent": {"x"}}))
	require.NotEqual(t, base, key("POST", "http://example.com/a?a=1&b=2", nil))
	require.NotEqual(t, base, key("GET", "http://example.com/a?a=1&b=2", http.Header{"Accept-Language": {"sv"}}))

	lower := New(okFetcher(""), Config{KeyHeaders: []string{"accept-language"}})
	withLang, err := lower.Key(lunch.FetchRequest{URL: "http://example.com/", Headers: http.Header{"Accept-Language": {"sv"}}})
	require.NoError(t, err)
	without, err := lower.Key(lunch.FetchRequest{URL: "http://example.com/"})
	require.NoError(t, err)
	require.NotEqual(t, without, withLang)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewBlobStore()
	ctx := context.Background()

	source := New(okFetcher("menu"), Config{TTL: 10 * time.Minute, Clock: clock})
	_, err := source.Fetch(ctx, lunch.FetchRequest{URL: "https://example.com/old"})
	require.NoError(t, err)
	clock.Advance(8 * time.Minute)
	_, err = source.Fetch(ctx, lunch.FetchRequest{URL: "https://example.com/new"})
	require.NoError(t, err)

	written, err := source.Save(ctx, store, "fetchcache.json")
	require.NoError(t, err)
	require.Equal(t, 2, written)

	// Three minutes later the first entry is past its TTL.
	clock.Advance(3 * time.Minute)
	upstream := okFetcher("fresh")
	restored := New(upstream, Config{TTL: 10 * time.Minute, Clock: clock})
	loaded, err := restored.Load(ctx, store, "fetchcache.json")
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	resp, err := restored.Fetch(ctx, lunch.FetchRequest{URL: "https://example.com/new"})
	require.NoError(t, err)
	require.True(t, resp.FromCache)
	require.Equal(t, "menu", string(resp.Body))
	require.Zero(t, upstream.calls.Load())

	resp, err = restored.Fetch(ctx, lunch.FetchRequest{URL: "https://example.com/old"})
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.Equal(t, "fresh", string(resp.Body))
}

func TestLoadMissingSnapshot(t *testing.T) {
	t.Parallel()

	n, err := New(okFetcher(""), Config{}).Load(context.Background(), memory.NewBlobStore(), "none.json")
	require.NoError(t, err)
	require.Zero(t, n)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddlid/rlunch/internal/lunch"
)

func TestLimiterSpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestDelay: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestDelay: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "host b blocked by host a")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, "https://a.com/"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestDelay: time.Hour})
	require.NoError(t, l.Wait(context.Background(), "https://a.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://a.com/"))
}

func TestFetcherWrapsErrors(t *testing.T) {
	t.Parallel()

	var calls int
	next := fetchFunc(func(context.Context, lunch.FetchRequest) (lunch.FetchResponse, error) {
		calls++
		return lunch.FetchResponse{StatusCode: 200}, nil
	})
	f := Wrap(next, New(Config{RequestDelay: time.Hour}))

	resp, err := f.Fetch(context.Background(), lunch.FetchRequest{URL: "https://a.com/"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, lunch.FetchRequest{URL: "https://a.com/"})
	var fe *lunch.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 1, calls)
}

type fetchFunc func(context.Context, lunch.FetchRequest) (lunch.FetchResponse, error)

func (f fetchFunc) Fetch(ctx context.Context, r lunch.FetchRequest) (lunch.FetchResponse, error) {
	return f(ctx, r)
}

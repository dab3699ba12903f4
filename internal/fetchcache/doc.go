// Package fetchcache wraps a lunch.Fetcher with a bounded, time-limited
// response cache. Concurrent fetches of the same request share one upstream
// call, and failures are handed to every waiter without being cached.
package fetchcache

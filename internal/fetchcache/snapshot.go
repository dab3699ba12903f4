package fetchcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/lunch"
	"github.com/oddlid/rlunch/internal/metrics"
	"github.com/oddlid/rlunch/internal/storage"
)

const snapshotVersion = 1

type snapshot struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Key        string              `json:"key"`
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body"`
	Duration   time.Duration       `json:"duration"`
	StoredAt   time.Time           `json:"stored_at"`
}

// Save writes the unexpired entries to store under name, oldest first, and
// returns how many were written.
func (c *Cache) Save(ctx context.Context, store storage.BlobStore, name string) (int, error) {
	now := c.clock.Now()
	snap := snapshot{Version: snapshotVersion, SavedAt: now}
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok || now.Sub(e.StoredAt) >= c.ttl {
			continue
		}
		snap.Entries = append(snap.Entries, snapshotEntry{
			Key:        key,
			URL:        e.Response.URL,
			StatusCode: e.Response.StatusCode,
			Headers:    e.Response.Headers,
			Body:       e.Response.Body,
			Duration:   e.Response.Duration,
			StoredAt:   e.StoredAt,
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal cache snapshot: %w", err)
	}
	uri, err := store.PutObject(ctx, name, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("write cache snapshot: %w", err)
	}
	metrics.ObserveSnapshot(0, len(snap.Entries))
	c.logger.Info("cache snapshot saved", zap.String("uri", uri), zap.Int("entries", len(snap.Entries)))
	return len(snap.Entries), nil
}

// Load restores entries saved by Save that are still within the TTL. A
// missing snapshot is not an error.
func (c *Cache) Load(ctx context.Context, store storage.BlobStore, name string) (int, error) {
	data, err := store.GetObject(ctx, name)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("decode cache snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("cache snapshot version %d not supported", snap.Version)
	}

	now := c.clock.Now()
	loaded := 0
	for _, se := range snap.Entries {
		if se.Key == "" || now.Sub(se.StoredAt) >= c.ttl {
			continue
		}
		c.entries.Add(se.Key, entry{
			Response: lunch.FetchResponse{
				URL:        se.URL,
				StatusCode: se.StatusCode,
				Headers:    se.Headers,
				Body:       se.Body,
				Duration:   se.Duration,
			},
			StoredAt: se.StoredAt,
		})
		loaded++
	}
	metrics.ObserveSnapshot(loaded, 0)
	metrics.SetCacheEntries(c.entries.Len())
	c.logger.Info("cache snapshot loaded", zap.String("name", name), zap.Int("entries", loaded))
	return loaded, nil
}

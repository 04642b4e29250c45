package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/messmate/outpost/internal/remote"
	"github.com/messmate/outpost/internal/store"
)

// Source labels where a fallback read's data came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// FetchFunc performs the network read for a cache-aside lookup. Returning
// remote.ErrNotFound signals a successful call that legitimately has no
// data; any other error falls through to cache.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// FallbackResult is the outcome of GetWithFallback.
type FallbackResult struct {
	Data   json.RawMessage `json:"data"`
	Source Source          `json:"source"`
	Note   string          `json:"note,omitempty"`
}

// FallbackOptions tunes one lookup.
type FallbackOptions struct {
	BypassCache bool          // skip the cache write-through comparison, always hit the network
	TTL         time.Duration // cache lifetime for a fresh network result; 0 uses the default
}

// SetCacheData writes a cache entry under the manager's default TTL
// unless ttl overrides it.
func (m *Manager) SetCacheData(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.cacheTTL
	}
	expiry := time.Now().Add(ttl).UnixMilli()
	return m.engine.SetCache(ctx, key, data, expiry)
}

// GetCacheData reads an unexpired cache entry; expired entries are misses.
func (m *Manager) GetCacheData(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := m.engine.GetCache(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Data, nil
}

// GetWithFallback performs a cache-aside read. Online and not degraded, it
// consults the network first: success overwrites the cache and the raw
// offline copy. On network failure or offline it serves the unexpired
// cache entry, then the raw offline-stored copy, then no data at all.
// It never serves stale cache in place of a legitimate remote "no data".
func (m *Manager) GetWithFallback(ctx context.Context, key string, fetch FetchFunc, opts FallbackOptions) (*FallbackResult, error) {
	if m.observer.Online() && !m.Degraded() || opts.BypassCache {
		data, err := fetch(ctx)
		if err == nil {
			if cerr := m.SetCacheData(ctx, key, data, opts.TTL); cerr != nil {
				slog.Warn("cache write-through failed",
					"component", "offline", "key", key, "error", cerr)
			}
			m.storeOfflineCopy(ctx, key, data)
			return &FallbackResult{Data: data, Source: SourceNetwork}, nil
		}
		if errors.Is(err, remote.ErrNotFound) {
			// The call worked; the resource does not exist. Stale cache
			// must not resurrect it.
			return &FallbackResult{Data: nil, Source: SourceNetwork}, nil
		}
		slog.Info("network read failed, falling back",
			"component", "offline", "key", key, "error", err)
	}

	if data, err := m.GetCacheData(ctx, key); err == nil {
		return &FallbackResult{Data: data, Source: SourceCache}, nil
	}

	if data, ok := m.offlineCopy(ctx, key); ok {
		return &FallbackResult{Data: data, Source: SourceOffline}, nil
	}

	return &FallbackResult{
		Data:   nil,
		Source: SourceOffline,
		Note:   "no data available offline",
	}, nil
}

// storeOfflineCopy keeps the latest network result as a durable record,
// outliving cache expiry, so a long-offline device still has something.
func (m *Manager) storeOfflineCopy(ctx context.Context, key string, data json.RawMessage) {
	_, err := m.engine.SaveData(ctx, store.TableDashboard, store.Record{
		ID:     key,
		Fields: store.Fields{"data": json.RawMessage(data)},
	})
	if err != nil {
		slog.Warn("offline copy write failed",
			"component", "offline", "key", key, "error", err)
	}
}

func (m *Manager) offlineCopy(ctx context.Context, key string) (json.RawMessage, bool) {
	rec, err := m.engine.GetByID(ctx, store.TableDashboard, key)
	if err != nil {
		return nil, false
	}
	raw, ok := rec.Fields["data"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	return data, true
}

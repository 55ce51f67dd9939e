package mcpv2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/gobwas/glob"
)

var defaultCacheTTL = 60 * time.Second

// responseCache stores successful responses for selected methods so repeat
// calls with identical params can be answered without transport traffic.
// Methods are selected with glob patterns, e.g. "resources/*".
type responseCache struct {
	cache    *bigcache.BigCache
	patterns []glob.Glob
	logger   *slog.Logger
}

func newResponseCache(ttl time.Duration, methods []string, logger *slog.Logger) (*responseCache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	patterns := make([]glob.Glob, 0, len(methods))
	for _, m := range methods {
		g, err := glob.Compile(m)
		if err != nil {
			return nil, fmt.Errorf("compile cache method pattern %q: %w", m, err)
		}
		patterns = append(patterns, g)
	}

	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	return &responseCache{
		cache:    cache,
		patterns: patterns,
		logger:   logger,
	}, nil
}

// cacheable reports whether responses for the method should be cached. With
// no patterns configured nothing matches, so the cache stays inert until
// methods are selected.
func (rc *responseCache) cacheable(method string) bool {
	for _, g := range rc.patterns {
		if g.Match(method) {
			return true
		}
	}
	return false
}

// get returns a fresh copy of the cached response for the method and params,
// or nil on a miss.
func (rc *responseCache) get(method string, params json.RawMessage) *Response {
	entry, err := rc.cache.Get(cacheKey(method, params))
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			rc.logger.Warn("cache lookup failed", "method", method, "error", err)
		}
		return nil
	}

	var res Response
	if err := json.Unmarshal(entry, &res); err != nil {
		rc.logger.Warn("cache entry corrupted", "method", method, "error", err)
		return nil
	}
	return &res
}

// put stores a response. Store failures are logged, never surfaced; the cache
// is an optimization, not a source of truth.
func (rc *responseCache) put(method string, params json.RawMessage, res *Response) {
	data, err := json.Marshal(res)
	if err != nil {
		rc.logger.Warn("cache encode failed", "method", method, "error", err)
		return
	}
	if err := rc.cache.Set(cacheKey(method, params), data); err != nil {
		rc.logger.Warn("cache store failed", "method", method, "error", err)
	}
}

func (rc *responseCache) close() error {
	return rc.cache.Close()
}

func cacheKey(method string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

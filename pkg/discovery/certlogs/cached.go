package certlogs

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/cache"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// ResultCache is the subset of internal/cache used here.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, v interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

type cachedEntry struct {
	Domains []types.DiscoveredDomain `json:"domains"`
}

// CachedMonitor answers repeated lookups for the same domain from a cache.
// A broken cache never fails a lookup; it is logged and bypassed. Lookups
// that found no names are not cached: crt.sh answers an overloaded request
// with an error status, which the monitor reports as an empty result.
type CachedMonitor struct {
	next   Source
	cache  ResultCache
	ttl    time.Duration
	logger *logger.Logger
}

func NewCachedMonitor(next Source, store ResultCache, ttl time.Duration, log *logger.Logger) *CachedMonitor {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CachedMonitor{
		next:   next,
		cache:  store,
		ttl:    ttl,
		logger: log.WithComponent("certlogs_cache"),
	}
}

func CacheKey(domain string) string {
	return cache.Key("ct", domain)
}

func (c *CachedMonitor) Monitor(ctx context.Context, domain string) (*types.DiscoveryResult, error) {
	key := CacheKey(domain)

	var entry cachedEntry
	hit, err := c.cache.GetJSON(ctx, key, &entry)
	switch {
	case err != nil:
		c.logger.Warnw("CT cache read failed", "domain", domain, "error", err)
	case hit:
		c.logger.Debugw("CT cache hit", "domain", domain, "names", len(entry.Domains))
		result := types.NewDiscoveryResult()
		for _, d := range entry.Domains {
			result.AddDomain(d)
		}
		return result, nil
	}

	result, err := c.next.Monitor(ctx, domain)
	if err != nil {
		return nil, err
	}

	domains := result.Domains()
	if len(domains) == 0 {
		c.logger.Debugw("CT lookup found no names, not caching", "domain", domain)
		return result, nil
	}
	if err := c.cache.SetJSON(ctx, key, cachedEntry{Domains: domains}, c.ttl); err != nil {
		c.logger.Warnw("CT cache write failed", "domain", domain, "error", err)
	}
	return result, nil
}

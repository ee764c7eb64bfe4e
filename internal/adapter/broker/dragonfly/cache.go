package dragonfly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

const (
	cookieMemoTTL = 60 * time.Second
	proxyMemoTTL  = 5 * time.Second
)

type cookieEntry struct {
	text    string
	goodFor time.Time
}

type proxyEntry struct {
	proxies []string
	goodFor time.Time
}

// ResourceCache is a read-through client over the broker keyspace for
// cookies and proxy lists. Lookups memoize for a short window so bursty
// task arrivals do not hammer the cache; memos are dropped on fetch errors
// to avoid pinning stale data.
type ResourceCache struct {
	rdb redis.Cmdable

	mu      sync.Mutex
	cookies map[string]cookieEntry
	proxies map[string]proxyEntry

	now func() time.Time
}

var _ domain.ResourceCache = (*ResourceCache)(nil)

// NewResourceCache constructs a ResourceCache over an established client.
func NewResourceCache(rdb redis.Cmdable) *ResourceCache {
	return &ResourceCache{
		rdb:     rdb,
		cookies: make(map[string]cookieEntry),
		proxies: make(map[string]proxyEntry),
		now:     time.Now,
	}
}

// GetCookie resolves cookie_id to cookie text under cookie:<market>:<id>.
// A miss (absent key or expired record) returns empty without error.
func (c *ResourceCache) GetCookie(ctx context.Context, market, cookieID string) (string, error) {
	if cookieID == "" {
		return "", nil
	}
	memoKey := market + ":" + cookieID

	c.mu.Lock()
	if e, ok := c.cookies[memoKey]; ok && c.now().Before(e.goodFor) {
		c.mu.Unlock()
		return e.text, nil
	}
	c.mu.Unlock()

	raw, err := c.rdb.Get(ctx, fmt.Sprintf("cookie:%s:%s", market, cookieID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		c.invalidateCookie(memoKey)
		return "", fmt.Errorf("op=cache.GetCookie: %w", err)
	}

	var rec domain.CookieRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.invalidateCookie(memoKey)
		return "", fmt.Errorf("op=cache.GetCookie: decode: %w", err)
	}
	if rec.CookieText == "" {
		return "", nil
	}
	if !rec.ExpiresAt.IsZero() && !c.now().Before(rec.ExpiresAt) {
		return "", nil
	}

	goodFor := c.now().Add(cookieMemoTTL)
	if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(goodFor) {
		goodFor = rec.ExpiresAt
	}
	c.mu.Lock()
	c.cookies[memoKey] = cookieEntry{text: rec.CookieText, goodFor: goodFor}
	c.mu.Unlock()
	return rec.CookieText, nil
}

// GetRandomProxy picks a fresh random proxy from the active pool under
// proxy:<market>:active_proxies. An empty pool is a miss, not an error.
func (c *ResourceCache) GetRandomProxy(ctx context.Context, market string) (string, error) {
	c.mu.Lock()
	if e, ok := c.proxies[market]; ok && c.now().Before(e.goodFor) {
		p := pickProxy(e.proxies)
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	raw, err := c.rdb.Get(ctx, fmt.Sprintf("proxy:%s:active_proxies", market)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		c.InvalidateProxies(market)
		return "", fmt.Errorf("op=cache.GetRandomProxy: %w", err)
	}

	var list domain.ProxyList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		c.InvalidateProxies(market)
		return "", fmt.Errorf("op=cache.GetRandomProxy: decode: %w", err)
	}

	c.mu.Lock()
	c.proxies[market] = proxyEntry{proxies: list.Proxies, goodFor: c.now().Add(proxyMemoTTL)}
	c.mu.Unlock()
	return pickProxy(list.Proxies), nil
}

// InvalidateProxies drops the memoized pool for a market. Called on proxy
// errors so the next task re-reads the refreshed pool.
func (c *ResourceCache) InvalidateProxies(market string) {
	c.mu.Lock()
	delete(c.proxies, market)
	c.mu.Unlock()
}

func (c *ResourceCache) invalidateCookie(memoKey string) {
	c.mu.Lock()
	delete(c.cookies, memoKey)
	c.mu.Unlock()
}

func pickProxy(proxies []string) string {
	if len(proxies) == 0 {
		return ""
	}
	return proxies[rand.Intn(len(proxies))]
}

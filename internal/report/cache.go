package report

import (
	"context"
	"sync"
	"time"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"

	logx "reportbot/pkg/logx"
)

// CachedGenerator memoises payloads per CacheKey so that owners subscribed
// to the same report at the same tick trigger a single generation.
// Concurrent misses for one key wait for the first caller.
type CachedGenerator struct {
	next  Generator
	cache *freecache.Cache
	ttl   int // seconds
	log   logx.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done    chan struct{}
	payload Payload
	err     error
}

// NewCachedGenerator wraps next. sizeMB <= 0 or ttl <= 0 disables caching.
func NewCachedGenerator(next Generator, sizeMB int, ttl time.Duration, log logx.Logger) Generator {
	if sizeMB <= 0 || ttl <= 0 {
		return next
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CachedGenerator{
		next:     next,
		cache:    freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:      max(1, int(ttl/time.Second)),
		log:      log,
		inflight: map[string]*call{},
	}
}

func (g *CachedGenerator) Generate(ctx context.Context, req Request) (Payload, error) {
	key := []byte(req.CacheKey())
	if b, err := g.cache.Get(key); err == nil {
		var p Payload
		if err := json.Unmarshal(b, &p); err == nil {
			g.log.Debug("report cache hit", logx.String("key", string(key)))
			return p, nil
		}
		g.cache.Del(key)
	}

	g.mu.Lock()
	if c, ok := g.inflight[string(key)]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.payload, c.err
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	g.inflight[string(key)] = c
	g.mu.Unlock()

	c.payload, c.err = g.next.Generate(ctx, req)
	if c.err == nil {
		g.store(key, c.payload)
	}

	g.mu.Lock()
	delete(g.inflight, string(key))
	g.mu.Unlock()
	close(c.done)
	return c.payload, c.err
}

func (g *CachedGenerator) store(key []byte, p Payload) {
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	// Entries larger than 1/1024 of the cache are rejected by freecache.
	if err := g.cache.Set(key, b, g.ttl); err != nil {
		g.log.Debug("report not cached", logx.String("key", string(key)), logx.Int("bytes", len(b)), logx.Err(err))
	}
}

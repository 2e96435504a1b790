package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/shrek82/jormpool/core"
)

// MemoryCacheMiddleware caches fetch and evaluate results in memory.
// Enable it per call with WithCacheTTL.
type MemoryCacheMiddleware struct {
	items      map[string]memoryCacheEntry
	mu         sync.RWMutex
	stopClean  chan struct{}
	stopOnce   sync.Once
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are swept. Zero means one minute.
	CleanupInterval time.Duration
}

type memoryCacheEntry struct {
	Data      []byte
	ExpiresAt time.Time
}

func NewMemoryCache(defaultTTL ...time.Duration) *MemoryCacheMiddleware {
	ttl := 5 * time.Minute
	if len(defaultTTL) > 0 {
		ttl = defaultTTL[0]
	}
	return &MemoryCacheMiddleware{
		items:      make(map[string]memoryCacheEntry),
		stopClean:  make(chan struct{}),
		DefaultTTL: ttl,
	}
}

func (m *MemoryCacheMiddleware) Name() string {
	return "MemoryCache"
}

func (m *MemoryCacheMiddleware) Init(db *core.Database) error {
	go m.cleanupLoop()
	return nil
}

func (m *MemoryCacheMiddleware) cleanupLoop() {
	interval := m.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopClean:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryCacheMiddleware) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, v := range m.items {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(m.items, k)
		}
	}
}

// Len returns the number of cached entries, expired ones included until swept.
func (m *MemoryCacheMiddleware) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Flush drops every cached entry.
func (m *MemoryCacheMiddleware) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryCacheEntry)
}

func (m *MemoryCacheMiddleware) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stopClean) })
	return nil
}

func (m *MemoryCacheMiddleware) Process(ctx context.Context, op *core.Operation, next core.QueryFunc) (*core.Result, error) {
	ttl, ok := cacheTTL(ctx, op, m.DefaultTTL)
	if !ok {
		return next(ctx, op)
	}
	key := cacheKey(op)

	m.mu.RLock()
	entry, found := m.items[key]
	m.mu.RUnlock()

	if found {
		if entry.ExpiresAt.IsZero() || time.Now().Before(entry.ExpiresAt) {
			// An undecodable entry falls through to the database.
			if res, err := decodeResult(op, entry.Data); err == nil {
				return res, nil
			}
		} else {
			m.mu.Lock()
			delete(m.items, key)
			m.mu.Unlock()
		}
	}

	res, err := next(ctx, op)
	if err != nil {
		return res, err
	}

	if data, err := encodeResult(op, res); err == nil {
		e := memoryCacheEntry{Data: data}
		if ttl > 0 {
			e.ExpiresAt = time.Now().Add(ttl)
		}
		m.mu.Lock()
		m.items[key] = e
		m.mu.Unlock()
	}
	return res, nil
}

// Package signal caches the latest traffic-light state per camera and
// resolves the state in effect at an arbitrary past timestamp.
package signal

import (
	"context"
	"sync"
	"time"

	"traffic-violation-service/internal/domain/traffic"
)

const (
	// DefaultTTL is how long a cached current status stays fresh.
	DefaultTTL = 5 * time.Minute
	// DefaultFastWindow is the distance from now within which a query may
	// be answered from the cache instead of the historical log.
	DefaultFastWindow = 5 * time.Second
)

// HistoryLookup resolves the most recent persisted sample with
// observed_at <= at. Implemented by the repository.
type HistoryLookup interface {
	SignalStatusAt(ctx context.Context, cameraID string, at time.Time) (traffic.SignalStatus, error)
}

type cached struct {
	status     traffic.SignalStatus
	observedAt time.Time
	expiresAt  time.Time
}

// Cache is the fast path for signal-state lookups on the per-frame hot
// path. Every vehicle position sample needs one of these, so the cache
// answers recent queries in memory and only falls back to the historical
// log for replay/backfill timestamps.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cached
	ttl        time.Duration
	fastWindow time.Duration
	history    HistoryLookup

	now func() time.Time
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithFastWindow(w time.Duration) Option {
	return func(c *Cache) { c.fastWindow = w }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(history HistoryLookup, opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]cached),
		ttl:        DefaultTTL,
		fastWindow: DefaultFastWindow,
		history:    history,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set overwrites the cached current status for the camera.
func (c *Cache) Set(cameraID string, status traffic.SignalStatus, observedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cameraID] = cached{
		status:     status,
		observedAt: observedAt,
		expiresAt:  c.now().Add(c.ttl),
	}
}

// StatusAt returns the signal color in effect at the given instant. Recent
// timestamps hit the cache; older ones consult the historical log. When
// neither resolves, the result is UNKNOWN, which fails closed downstream.
func (c *Cache) StatusAt(ctx context.Context, cameraID string, at time.Time) traffic.SignalStatus {
	now := c.now()
	delta := now.Sub(at)
	if delta < 0 {
		delta = -delta
	}

	if delta < c.fastWindow {
		c.mu.RLock()
		entry, ok := c.entries[cameraID]
		c.mu.RUnlock()
		if ok && now.Before(entry.expiresAt) {
			return entry.status
		}
	}

	if c.history == nil {
		return traffic.SignalUnknown
	}
	status, err := c.history.SignalStatusAt(ctx, cameraID, at)
	if err != nil || status == "" {
		return traffic.SignalUnknown
	}
	return status
}

// DropCamera forgets the cached entry for a camera.
func (c *Cache) DropCamera(cameraID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cameraID)
}

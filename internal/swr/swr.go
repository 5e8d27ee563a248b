// Package swr implements the stale-while-revalidate cache fronting every
// expensive view refresh.
//
// Entry states by age since the last successful refresh: Fresh (≤ TTL),
// Stale (≤ stale limit), Expired. Fresh lookups return immediately; stale
// lookups return immediately and trigger at most one debounced background
// refresh; empty or expired lookups block on a synchronous refresh.
// Concurrent lookups for one key attach to the same in-flight refresh via
// singleflight, so upstream work is never duplicated per key.
//
// The cache is an explicit service instance with an injected clock — no
// package-level state — so tests control time and never pollute each other.
package swr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/oddsmarket/ledger-engine/internal/metrics"
)

// ErrUnavailable is returned when a refresh fails and no previous payload
// exists. This is the only condition that surfaces as an error; a failed
// refresh over a known-good payload serves stale instead.
var ErrUnavailable = errors.New("swr: no data available")

// Refresher produces the payload for one cache key. Implementations must be
// safe to call repeatedly with identical params and produce the same result
// given identical underlying data.
type Refresher interface {
	// Key is the stable cache key for this view and parameter set.
	Key() string

	// Refresh recomputes the payload from the upstream pipeline.
	Refresh(ctx context.Context) (Result, error)
}

// Result is a successful refresh outcome.
type Result struct {
	Payload       any
	SourceVersion string // upstream cursor or block the payload reflects
}

// Lookup is what a cache read returns: the payload plus the freshness
// metadata API consumers use to tell "slightly old but trustworthy" from
// "refresh is currently failing".
type Lookup struct {
	Payload       any
	SourceVersion string
	Stale         bool
	AgeSeconds    int64
	LastError     string
	LastErrorAt   time.Time
}

// Config sets the freshness policy.
type Config struct {
	TTL        time.Duration // fresh horizon
	StaleLimit time.Duration // serve-stale horizon
	Debounce   time.Duration // minimum gap between background refreshes per key
}

type entry struct {
	mu            sync.Mutex
	payload       any
	hasPayload    bool
	sourceVersion string
	lastSuccessAt time.Time
	lastError     string
	lastErrorAt   time.Time
	lastAttemptAt time.Time // debounce anchor for background refreshes
	hydrated      bool      // redis warm-start attempted
}

// Cache is the revalidating cache service.
type Cache struct {
	cfg    Config
	now    func() time.Time
	rdb    *redis.Client // optional snapshot backing; nil = in-process only
	notify func(key string)

	group singleflight.Group

	mu      sync.Mutex // guards the entry map only; entries lock themselves
	entries map[string]*entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects a time source. Tests use this to drive the state machine.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRedis enables snapshot backing: entries are hydrated from Redis on
// first miss and written back after every successful refresh, so a restart
// serves stale-but-known-good data instead of blocking.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.rdb = rdb }
}

// WithNotify registers a hook invoked after every successful refresh.
func WithNotify(fn func(key string)) Option {
	return func(c *Cache) { c.notify = fn }
}

// New creates a cache with the given freshness policy.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached payload for the refresher's key, refreshing per
// the state machine. The error is non-nil only when no data exists at all.
func (c *Cache) Get(ctx context.Context, r Refresher) (Lookup, error) {
	key := r.Key()
	e := c.entry(key)

	e.mu.Lock()
	if !e.hasPayload && !e.hydrated {
		e.hydrated = true
		c.hydrate(ctx, key, e)
	}

	now := c.now()
	if e.hasPayload {
		age := now.Sub(e.lastSuccessAt)
		switch {
		case age <= c.cfg.TTL:
			lk := c.lookupLocked(e, now, false)
			e.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("fresh").Inc()
			return lk, nil

		case age <= c.cfg.StaleLimit:
			// Serve stale now, revalidate in the background unless a
			// refresh was already triggered within the debounce window.
			if now.Sub(e.lastAttemptAt) >= c.cfg.Debounce {
				e.lastAttemptAt = now
				go c.refresh(context.WithoutCancel(ctx), key, r)
			}
			lk := c.lookupLocked(e, now, true)
			e.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("stale").Inc()
			return lk, nil
		}
	}
	e.lastAttemptAt = now
	e.mu.Unlock()

	// Empty or expired: block on the (shared) refresh.
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	refreshErr := c.refresh(ctx, key, r)

	e.mu.Lock()
	defer e.mu.Unlock()
	now = c.now()
	if !e.hasPayload {
		if refreshErr != nil {
			return Lookup{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, refreshErr)
		}
		return Lookup{}, fmt.Errorf("%w: %s", ErrUnavailable, key)
	}
	// Stale-but-known-good after a failed refresh still serves.
	stale := now.Sub(e.lastSuccessAt) > c.cfg.TTL
	return c.lookupLocked(e, now, stale), nil
}

// Invalidate drops the in-process entry for a key. The next lookup blocks
// on a refresh (or rehydrates from Redis).
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) entry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// lookupLocked builds a Lookup from entry state. Caller holds e.mu.
func (c *Cache) lookupLocked(e *entry, now time.Time, stale bool) Lookup {
	return Lookup{
		Payload:       e.payload,
		SourceVersion: e.sourceVersion,
		Stale:         stale,
		AgeSeconds:    int64(now.Sub(e.lastSuccessAt).Seconds()),
		LastError:     e.lastError,
		LastErrorAt:   e.lastErrorAt,
	}
}

// refresh runs the refresher through singleflight so at most one refresh
// per key is in flight; concurrent callers attach to the same operation.
// Once started a refresh runs to completion or failure — no cancellation.
func (c *Cache) refresh(ctx context.Context, key string, r Refresher) error {
	// Keys are "<view>:<params>"; only the view name is a metric label.
	view := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		view = key[:i]
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		start := c.now()
		res, err := r.Refresh(ctx)
		metrics.RefreshDuration.WithLabelValues(view).Observe(c.now().Sub(start).Seconds())

		e := c.entry(key)
		e.mu.Lock()
		if err != nil {
			// Previous payload, if any, is retained.
			e.lastError = err.Error()
			e.lastErrorAt = c.now()
			e.mu.Unlock()
			metrics.CacheRefreshes.WithLabelValues("error").Inc()
			slog.Warn("view refresh failed", "key", key, "err", err)
			return nil, err
		}
		e.payload = res.Payload
		e.hasPayload = true
		e.sourceVersion = res.SourceVersion
		e.lastSuccessAt = c.now()
		e.lastError = ""
		e.lastErrorAt = time.Time{}
		e.mu.Unlock()

		metrics.CacheRefreshes.WithLabelValues("ok").Inc()
		c.snapshot(ctx, key, res)
		if c.notify != nil {
			c.notify(key)
		}
		return nil, nil
	})
	return err
}

// --- Redis snapshot backing ---

type snapshot struct {
	Payload       json.RawMessage `json:"payload"`
	SourceVersion string          `json:"source_version"`
	LastSuccessAt time.Time       `json:"last_success_at"`
}

func snapshotKey(key string) string { return "view:" + key }

// hydrate warm-starts an empty entry from Redis. Best effort; caller holds
// e.mu. A hydrated payload is json.RawMessage, which re-serializes intact.
func (c *Cache) hydrate(ctx context.Context, key string, e *entry) {
	if c.rdb == nil {
		return
	}
	data, err := c.rdb.Get(ctx, snapshotKey(key)).Bytes()
	if err != nil {
		return
	}
	var snap snapshot
	if json.Unmarshal(data, &snap) != nil {
		return
	}
	e.payload = snap.Payload
	e.hasPayload = true
	e.sourceVersion = snap.SourceVersion
	e.lastSuccessAt = snap.LastSuccessAt
	slog.Info("cache entry hydrated from redis", "key", key)
}

// snapshot persists a successful refresh for warm starts. Best effort.
func (c *Cache) snapshot(ctx context.Context, key string, res Result) {
	if c.rdb == nil {
		return
	}
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(snapshot{
		Payload:       payload,
		SourceVersion: res.SourceVersion,
		LastSuccessAt: c.now(),
	})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, snapshotKey(key), data, c.cfg.StaleLimit).Err(); err != nil {
		slog.Warn("cache snapshot write failed", "key", key, "err", err)
	}
}

package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	entitlement "cuentatron-cloud/internal/entitlement/domain"
	"cuentatron-cloud/internal/observability/metrics"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultGraceDays     = 10
	defaultLookupTimeout = 5 * time.Second
)

type cacheEntry struct {
	status      entitlement.Status
	cachedUntil time.Time
}

// Resolver maps a device to its entitlement status through a TTL cache in
// front of the billing store. A cache hit is authoritative until it
// expires; a failed lookup yields StatusUnknown and is never cached, so
// the device self-heals on its next event.
type Resolver struct {
	reader  entitlement.SubscriptionReader
	spawner entitlement.TransitionSpawner
	logger  *log.Logger

	ttl           time.Duration
	graceDays     int
	lookupTimeout time.Duration
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL overrides the cache entry lifetime.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithGraceDays overrides the grace window length.
func WithGraceDays(days int) ResolverOption {
	return func(r *Resolver) {
		if days > 0 {
			r.graceDays = days
		}
	}
}

// WithLookupTimeout overrides the backing-store query timeout.
func WithLookupTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.lookupTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs an entitlement resolver.
func NewResolver(reader entitlement.SubscriptionReader, spawner entitlement.TransitionSpawner, logger *log.Logger, opts ...ResolverOption) (*Resolver, error) {
	if reader == nil {
		return nil, errors.New("resolver: nil subscription reader")
	}
	if spawner == nil {
		return nil, errors.New("resolver: nil transition spawner")
	}
	if logger == nil {
		logger = log.Default()
	}
	resolver := &Resolver{
		reader:        reader,
		spawner:       spawner,
		logger:        logger,
		ttl:           defaultCacheTTL,
		graceDays:     defaultGraceDays,
		lookupTimeout: defaultLookupTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		cache:         make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(resolver)
	}
	return resolver, nil
}

// Resolve returns the entitlement status for a device. On a cache miss it
// queries the billing store synchronously, detects grace transitions, and
// refreshes the cache. The transition comparison and the cache write share
// the cache lock so two concurrent refreshes for the same device cannot
// both spawn a worker.
func (r *Resolver) Resolve(ctx context.Context, deviceID string) entitlement.Status {
	now := r.now()

	r.mu.Lock()
	if entry, ok := r.cache[deviceID]; ok && now.Before(entry.cachedUntil) {
		r.mu.Unlock()
		metrics.IncCacheLookup("hit")
		return entry.status
	}
	r.mu.Unlock()
	metrics.IncCacheLookup("miss")

	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	sub, err := r.reader.Get(lookupCtx, deviceID)
	if err != nil {
		metrics.IncLookupError()
		r.logger.Printf("entitlement lookup failed for %s: %v", deviceID, err)
		return entitlement.StatusUnknown
	}

	status := r.derive(sub, now)

	r.mu.Lock()
	previous, known := r.cache[deviceID]
	if known && previous.status == entitlement.StatusGrace {
		switch status {
		case entitlement.StatusActive:
			metrics.IncTransition(string(entitlement.KindReplay))
			r.logger.Printf("device %s: grace -> active, scheduling replay", deviceID)
			r.spawner.Spawn(entitlement.KindReplay, deviceID)
		case entitlement.StatusExpired:
			metrics.IncTransition(string(entitlement.KindPurge))
			r.logger.Printf("device %s: grace -> expired, scheduling purge", deviceID)
			r.spawner.Spawn(entitlement.KindPurge, deviceID)
		}
	}
	r.cache[deviceID] = cacheEntry{status: status, cachedUntil: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return status
}

func (r *Resolver) derive(sub entitlement.Subscription, now time.Time) entitlement.Status {
	if sub.Active {
		return entitlement.StatusActive
	}
	if sub.NextPayment == nil {
		return entitlement.StatusExpired
	}
	boundary := sub.NextPayment.AddDate(0, 0, r.graceDays)
	if now.Before(boundary) {
		return entitlement.StatusGrace
	}
	return entitlement.StatusExpired
}

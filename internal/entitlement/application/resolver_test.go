package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	entitlement "cuentatron-cloud/internal/entitlement/domain"
)

type stubReader struct {
	mu    sync.Mutex
	sub   entitlement.Subscription
	err   error
	calls int
}

func (s *stubReader) Get(ctx context.Context, deviceID string) (entitlement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.sub, s.err
}

func (s *stubReader) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubReader) set(sub entitlement.Subscription, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = sub
	s.err = err
}

type stubSpawner struct {
	mu    sync.Mutex
	tasks []entitlement.TransitionKind
}

func (s *stubSpawner) Spawn(kind entitlement.TransitionKind, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, kind)
}

func (s *stubSpawner) spawned() []entitlement.TransitionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entitlement.TransitionKind, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func newTestResolver(t *testing.T, reader entitlement.SubscriptionReader, spawner entitlement.TransitionSpawner, opts ...ResolverOption) *Resolver {
	t.Helper()
	resolver, err := NewResolver(reader, spawner, nil, opts...)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func TestResolver_ActiveSubscription(t *testing.T) {
	reader := &stubReader{sub: entitlement.Subscription{Active: true}}
	resolver := newTestResolver(t, reader, &stubSpawner{})

	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusActive {
		t.Fatalf("expected active, got %v", status)
	}
}

func TestResolver_GraceBoundary(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	boundary := due.AddDate(0, 0, 10)

	cases := []struct {
		name string
		now  time.Time
		want entitlement.Status
	}{
		{"inside window", boundary.Add(-time.Second), entitlement.StatusGrace},
		{"at boundary", boundary, entitlement.StatusExpired},
		{"past boundary", boundary.Add(time.Second), entitlement.StatusExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reader := &stubReader{sub: entitlement.Subscription{Active: false, NextPayment: &due}}
			resolver := newTestResolver(t, reader, &stubSpawner{},
				WithGraceDays(10),
				WithClock(func() time.Time { return tc.now }),
			)
			if status := resolver.Resolve(context.Background(), "dev-1"); status != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, status)
			}
		})
	}
}

func TestResolver_NoNextPaymentIsExpired(t *testing.T) {
	reader := &stubReader{sub: entitlement.Subscription{Active: false}}
	resolver := newTestResolver(t, reader, &stubSpawner{})

	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusExpired {
		t.Fatalf("expected expired, got %v", status)
	}
}

func TestResolver_CacheAuthoritativeUntilTTL(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &stubReader{sub: entitlement.Subscription{Active: true}}
	resolver := newTestResolver(t, reader, &stubSpawner{},
		WithCacheTTL(5*time.Minute),
		WithClock(func() time.Time { return clock }),
	)

	resolver.Resolve(context.Background(), "dev-1")
	// The billing store flips, but the cached status stays authoritative.
	reader.set(entitlement.Subscription{Active: false}, nil)

	clock = clock.Add(4 * time.Minute)
	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusActive {
		t.Fatalf("expected cached active, got %v", status)
	}
	if reader.callCount() != 1 {
		t.Fatalf("expected 1 store lookup, got %d", reader.callCount())
	}

	clock = clock.Add(2 * time.Minute)
	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusExpired {
		t.Fatalf("expected expired after ttl, got %v", status)
	}
	if reader.callCount() != 2 {
		t.Fatalf("expected 2 store lookups, got %d", reader.callCount())
	}
}

func TestResolver_LookupErrorNotCached(t *testing.T) {
	reader := &stubReader{err: errors.New("db down")}
	resolver := newTestResolver(t, reader, &stubSpawner{})

	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusUnknown {
		t.Fatalf("expected unknown, got %v", status)
	}

	reader.set(entitlement.Subscription{Active: true}, nil)
	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusActive {
		t.Fatalf("expected active after recovery, got %v", status)
	}
	if reader.callCount() != 2 {
		t.Fatalf("expected a fresh lookup per event while unknown, got %d", reader.callCount())
	}
}

func TestResolver_GraceToActiveSpawnsReplay(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := due.AddDate(0, 0, 1)
	reader := &stubReader{sub: entitlement.Subscription{Active: false, NextPayment: &due}}
	spawner := &stubSpawner{}
	resolver := newTestResolver(t, reader, spawner,
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return clock }),
	)

	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusGrace {
		t.Fatalf("expected grace, got %v", status)
	}

	reader.set(entitlement.Subscription{Active: true}, nil)
	clock = clock.Add(2 * time.Minute)
	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusActive {
		t.Fatalf("expected active, got %v", status)
	}

	tasks := spawner.spawned()
	if len(tasks) != 1 || tasks[0] != entitlement.KindReplay {
		t.Fatalf("expected one replay spawn, got %v", tasks)
	}
}

func TestResolver_GraceToExpiredSpawnsPurge(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := due.AddDate(0, 0, 1)
	reader := &stubReader{sub: entitlement.Subscription{Active: false, NextPayment: &due}}
	spawner := &stubSpawner{}
	resolver := newTestResolver(t, reader, spawner,
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return clock }),
	)

	resolver.Resolve(context.Background(), "dev-1")

	clock = due.AddDate(0, 0, 11)
	if status := resolver.Resolve(context.Background(), "dev-1"); status != entitlement.StatusExpired {
		t.Fatalf("expected expired, got %v", status)
	}

	tasks := spawner.spawned()
	if len(tasks) != 1 || tasks[0] != entitlement.KindPurge {
		t.Fatalf("expected one purge spawn, got %v", tasks)
	}
}

func TestResolver_ExpiredToActiveNoSpawn(t *testing.T) {
	reader := &stubReader{sub: entitlement.Subscription{Active: false}}
	spawner := &stubSpawner{}
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resolver := newTestResolver(t, reader, spawner,
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return clock }),
	)

	resolver.Resolve(context.Background(), "dev-1")
	reader.set(entitlement.Subscription{Active: true}, nil)
	clock = clock.Add(2 * time.Minute)
	resolver.Resolve(context.Background(), "dev-1")

	if tasks := spawner.spawned(); len(tasks) != 0 {
		t.Fatalf("expected no spawns for expired -> active, got %v", tasks)
	}
}

func TestResolver_ConcurrentRefreshSpawnsOnce(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := due.AddDate(0, 0, 1)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	reader := &stubReader{sub: entitlement.Subscription{Active: false, NextPayment: &due}}
	spawner := &stubSpawner{}
	resolver := newTestResolver(t, reader, spawner, WithCacheTTL(time.Minute), WithClock(now))

	resolver.Resolve(context.Background(), "dev-1")

	reader.set(entitlement.Subscription{Active: true}, nil)
	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolver.Resolve(context.Background(), "dev-1")
		}()
	}
	wg.Wait()

	if tasks := spawner.spawned(); len(tasks) != 1 {
		t.Fatalf("expected exactly one spawn under concurrency, got %d", len(tasks))
	}
}

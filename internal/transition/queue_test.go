package transition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	entitlement "cuentatron-cloud/internal/entitlement/domain"
)

type countingHandler struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	handled []Task
}

func (h *countingHandler) Handle(ctx context.Context, task Task) error {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, task)
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueue_DispatchesByKind(t *testing.T) {
	replay := &countingHandler{}
	purge := &countingHandler{}
	queue := NewQueue(nil, WithWorkers(1))
	if err := queue.Register(entitlement.KindReplay, replay); err != nil {
		t.Fatalf("register replay: %v", err)
	}
	if err := queue.Register(entitlement.KindPurge, purge); err != nil {
		t.Fatalf("register purge: %v", err)
	}
	queue.Start(context.Background())
	defer queue.Shutdown(context.Background())

	queue.Spawn(entitlement.KindReplay, "dev-1")
	queue.Spawn(entitlement.KindPurge, "dev-2")
	queue.Spawn(entitlement.KindReplay, "dev-3")

	waitFor(t, func() bool { return replay.count() == 2 && purge.count() == 1 })
}

func TestQueue_SpawnNeverBlocksWhenFull(t *testing.T) {
	handler := &countingHandler{block: make(chan struct{})}
	queue := NewQueue(nil, WithWorkers(1), WithCapacity(1))
	if err := queue.Register(entitlement.KindReplay, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue.Start(context.Background())
	defer queue.Shutdown(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			queue.Spawn(entitlement.KindReplay, "dev-1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawn blocked on a full queue")
	}
	close(handler.block)
}

func TestQueue_HandlerErrorDoesNotStopWorkers(t *testing.T) {
	handler := &countingHandler{err: errors.New("transient")}
	queue := NewQueue(nil, WithWorkers(1))
	if err := queue.Register(entitlement.KindPurge, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue.Start(context.Background())
	defer queue.Shutdown(context.Background())

	queue.Spawn(entitlement.KindPurge, "dev-1")
	queue.Spawn(entitlement.KindPurge, "dev-2")

	waitFor(t, func() bool { return handler.count() == 2 })
}

func TestQueue_ShutdownDrainsQueuedTasks(t *testing.T) {
	handler := &countingHandler{}
	queue := NewQueue(nil, WithWorkers(1))
	if err := queue.Register(entitlement.KindReplay, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue.Start(context.Background())

	for i := 0; i < 5; i++ {
		queue.Spawn(entitlement.KindReplay, "dev-1")
	}
	queue.Shutdown(context.Background())

	if handler.count() != 5 {
		t.Fatalf("expected 5 drained tasks, got %d", handler.count())
	}
}

func TestQueue_SpawnAfterShutdownIsDropped(t *testing.T) {
	handler := &countingHandler{}
	queue := NewQueue(nil, WithWorkers(1))
	if err := queue.Register(entitlement.KindReplay, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue.Start(context.Background())
	queue.Shutdown(context.Background())

	queue.Spawn(entitlement.KindReplay, "dev-1")
	if handler.count() != 0 {
		t.Fatalf("expected no tasks after shutdown, got %d", handler.count())
	}
}

func TestQueue_UnregisteredKindIsLoggedNotFatal(t *testing.T) {
	handler := &countingHandler{}
	queue := NewQueue(nil, WithWorkers(1))
	if err := queue.Register(entitlement.KindReplay, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue.Start(context.Background())
	defer queue.Shutdown(context.Background())

	queue.Spawn(entitlement.KindPurge, "dev-1")
	queue.Spawn(entitlement.KindReplay, "dev-2")

	waitFor(t, func() bool { return handler.count() == 1 })
}

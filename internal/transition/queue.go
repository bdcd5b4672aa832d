package transition

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
	defaultWorkers     = 2
	defaultCapacity    = 64
	defaultTaskTimeout = time.Minute
)

// Task is one unit of background work triggered by an entitlement
// transition. Tasks are fire-and-forget from the resolver's point of
// view; failures are logged and counted, and the transition is observed
// again on a later resolve if the backlog is still there.
type Task struct {
	Kind     entitlement.TransitionKind
	DeviceID string
}

// Handler executes one task kind.
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

// Queue is a bounded task queue drained by a fixed worker pool.
type Queue struct {
	tasks       chan Task
	handlers    map[entitlement.TransitionKind]Handler
	logger      *log.Logger
	taskTimeout time.Duration
	workers     int

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers overrides the worker pool size.
func WithWorkers(workers int) QueueOption {
	return func(q *Queue) {
		if workers > 0 {
			q.workers = workers
		}
	}
}

// WithCapacity overrides the queue depth.
func WithCapacity(capacity int) QueueOption {
	return func(q *Queue) {
		if capacity > 0 {
			q.tasks = make(chan Task, capacity)
		}
	}
}

// WithTaskTimeout overrides the per-task deadline.
func WithTaskTimeout(timeout time.Duration) QueueOption {
	return func(q *Queue) {
		if timeout > 0 {
			q.taskTimeout = timeout
		}
	}
}

// NewQueue constructs a transition queue.
func NewQueue(logger *log.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	queue := &Queue{
		tasks:       make(chan Task, defaultCapacity),
		handlers:    make(map[entitlement.TransitionKind]Handler),
		logger:      logger,
		taskTimeout: defaultTaskTimeout,
		workers:     defaultWorkers,
	}
	for _, opt := range opts {
		opt(queue)
	}
	return queue
}

// Register binds a handler to a task kind; must be called before Start.
func (q *Queue) Register(kind entitlement.TransitionKind, handler Handler) error {
	if handler == nil {
		return errors.New("transition queue: nil handler")
	}
	q.handlers[kind] = handler
	return nil
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Spawn enqueues a task without blocking the caller. On overflow the task
// is dropped and logged; the next resolve after cache expiry observes the
// same transition and re-enqueues it.
func (q *Queue) Spawn(kind entitlement.TransitionKind, deviceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Printf("transition queue closed, dropping %s for %s", kind, deviceID)
		return
	}
	select {
	case q.tasks <- Task{Kind: kind, DeviceID: deviceID}:
	default:
		metrics.IncTaskResult(string(kind), "dropped")
		q.logger.Printf("transition queue full, dropping %s for %s", kind, deviceID)
	}
}

// Shutdown stops intake and waits for in-flight work until the context
// expires; remaining work is abandoned and re-detected later.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Printf("transition queue shutdown abandoned in-flight work: %v", ctx.Err())
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		handler, ok := q.handlers[task.Kind]
		if !ok {
			metrics.IncTaskResult(string(task.Kind), metrics.ResultError)
			q.logger.Printf("no handler for transition kind %q", task.Kind)
			continue
		}
		taskCtx, cancel := context.WithTimeout(ctx, q.taskTimeout)
		err := handler.Handle(taskCtx, task)
		cancel()
		if err != nil {
			metrics.IncTaskResult(string(task.Kind), metrics.ResultError)
			q.logger.Printf("transition %s for %s failed: %v", task.Kind, task.DeviceID, err)
			continue
		}
		metrics.IncTaskResult(string(task.Kind), metrics.ResultSuccess)
	}
}

var _ entitlement.TransitionSpawner = (*Queue)(nil)

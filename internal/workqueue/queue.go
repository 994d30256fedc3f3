// Package workqueue provides a single-goroutine, strictly ordered work queue
// for side effects that must not run on the request dispatch path.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueStopped is returned by Submit once Stop has been called.
var ErrQueueStopped = errors.New("work queue stopped")

// Task is one unit of work. Name is used for logging and metrics.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Observer is told how long each task took.
type Observer func(queue, task string, d time.Duration)

// Queue runs submitted tasks one at a time in submission order.
type Queue struct {
	name     string
	logger   *slog.Logger
	tasks    chan Task
	observer Observer

	mu      sync.RWMutex
	started bool
	stopped bool

	// Background worker control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue holding up to capacity pending tasks
func New(name string, capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:   name,
		logger: logger.With("queue", name),
		tasks:  make(chan Task, capacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetObserver installs a task duration hook. It must be called before Start.
func (q *Queue) SetObserver(o Observer) {
	q.observer = o
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Start begins the background worker
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	q.logger.Info("Starting work queue")
	q.wg.Add(1)
	go q.runLoop()
}

// Submit enqueues t. It blocks while the queue is full and fails once the
// queue is stopped.
func (q *Queue) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no body", t.Name)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return fmt.Errorf("submit %s: %w", t.Name, ErrQueueStopped)
	}
	q.tasks <- t
	return nil
}

// Flush blocks until every task submitted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := q.Submit(Task{Name: "flush", Run: func(context.Context) { close(done) }}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, runs the ones already queued and waits for the
// worker to exit
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	q.logger.Info("Stopping work queue")
	if started {
		q.wg.Wait()
	}
	q.cancel()
	q.logger.Info("Work queue stopped")
}

// runTask executes t, recovering from panics so one bad task cannot stop the
// queue
func (q *Queue) runTask(t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("PANIC in work queue task", "task", t.Name, "panic", r)
		}
		if q.observer != nil {
			q.observer(q.name, t.Name, time.Since(start))
		}
	}()
	q.logger.Debug("Running task", "task", t.Name)
	t.Run(q.ctx)
}

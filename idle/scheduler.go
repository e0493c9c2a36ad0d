// Package idle defers nonessential work to quiet periods.
//
// The scheduler is a cooperative debouncer: the host pokes Trigger after each
// request completes, and queued tasks only run once no poke has arrived for
// the debounce threshold. Tasks must be idempotent; the process may die
// before or during a drain and the work is simply re-scheduled on the next
// life.
package idle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/swproxy/adapter"
)

// Task is a deferred unit of work. Errors are swallowed after logging.
type Task func(ctx context.Context) error

type queuedTask struct {
	desc string
	run  Task
}

// Scheduler debounces and drains a queue of deferred tasks.
type Scheduler struct {
	threshold time.Duration
	clock     adapter.Clock
	log       *zap.Logger

	mu    sync.Mutex
	queue []queuedTask
	empty chan struct{}
	gen   int

	execMu sync.Mutex
}

// NewScheduler builds a scheduler with the given debounce threshold.
func NewScheduler(threshold time.Duration, clock adapter.Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	empty := make(chan struct{})
	close(empty)
	return &Scheduler{
		threshold: threshold,
		clock:     clock,
		log:       log.Named("idle"),
		empty:     empty,
	}
}

// Schedule appends a task to the queue. It does not start the debounce
// timer; that is Trigger's job.
func (s *Scheduler) Schedule(desc string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		select {
		case <-s.empty:
			// Drained signal was delivered; arm a fresh one.
			s.empty = make(chan struct{})
		default:
		}
	}
	s.queue = append(s.queue, queuedTask{desc: desc, run: task})
}

// Empty returns a channel that is closed once the queue has fully drained.
// If the queue is already empty the returned channel is closed.
func (s *Scheduler) Empty() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.empty
}

// Size returns the number of queued tasks.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Trigger (re)arms the debounce timer. Each call cancels any pending timer;
// the queue drains only after threshold elapses with no further calls.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	timer := s.clock.After(s.threshold)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-timer:
		}
		s.mu.Lock()
		current := s.gen == gen
		s.mu.Unlock()
		if current {
			s.Execute(ctx)
		}
	}()
}

// Execute drains the queue in waves: the current batch runs concurrently
// with per-task errors swallowed, then any tasks scheduled meanwhile form
// the next wave. Returns once the queue is empty.
func (s *Scheduler) Execute(ctx context.Context) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		if len(batch) == 0 {
			select {
			case <-s.empty:
			default:
				close(s.empty)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, t := range batch {
			wg.Add(1)
			go func(t queuedTask) {
				defer wg.Done()
				if err := t.run(ctx); err != nil {
					s.log.Warn("idle task failed", zap.String("task", t.desc), zap.Error(err))
				}
			}(t)
		}
		wg.Wait()
	}
}

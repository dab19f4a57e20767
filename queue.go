package libp2poplog

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queuedTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "oplog",
	Name:      "queued_tasks",
	Help:      "Mutations waiting in the queues of open databases.",
})

// task is a mutation of the log run by the queue.
type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// queue runs tasks one at a time, in the order they were pushed.
//
// A task whose context is done before it starts is skipped: a task either
// runs to completion or never starts.
type queue struct {
	mu      sync.Mutex
	tasks   []*task
	busy    bool
	closed  bool
	idle    chan struct{} // closed while nothing is queued or running
	signal  chan struct{} // buffered, size 1
	stopped chan struct{}
}

func newQueue() *queue {
	idle := make(chan struct{})
	close(idle)
	q := &queue{
		idle:    idle,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// push schedules fn. The returned channel receives the result of fn.
func (q *queue) push(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	q.tasks = append(q.tasks, t)
	queuedTasks.Inc()
	if !q.busy {
		q.busy = true
		q.idle = make(chan struct{})
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return t.done, nil
}

// do pushes fn and waits for its result.
func (q *queue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := q.push(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) next() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		if q.busy {
			q.busy = false
			close(q.idle)
		}
		return nil, q.closed
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	queuedTasks.Dec()
	return t, false
}

func (q *queue) run() {
	defer close(q.stopped)
	for {
		t, closed := q.next()
		if t == nil {
			if closed {
				return
			}
			<-q.signal
			continue
		}
		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}
		t.done <- t.fn(t.ctx)
	}
}

// onIdle blocks until no task is queued or running.
func (q *queue) onIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// close refuses new tasks and waits for the queued ones to complete.
func (q *queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.stopped
}

// Package queue provides the serialized executor for sync operations.
//
// A Queue owns a single worker goroutine that is the only receiver of a
// buffered channel of operations. Producers only send. Operations run one
// at a time, to completion, in the order they were enqueued, regardless of
// which goroutine enqueued them.
//
// The queue is failure-agnostic: an operation's error is delivered to the
// caller that asked for it (Do) or dropped (Enqueue), and the worker moves
// on to the next operation either way. It never logs, retries or aborts on
// an operation failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned when enqueueing on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrFull is returned when the queue's buffer is at capacity.
	ErrFull = errors.New("queue full")
)

// Op is a deferred sync operation.
type Op func(ctx context.Context) error

// Config holds queue configuration.
type Config struct {
	// Capacity is the number of operations that can wait behind the one
	// currently running (default: 1024)
	Capacity int

	// Logger receives recovered panics (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Capacity: 1024,
		Logger:   log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

type job struct {
	op   Op
	ctx  context.Context
	done chan error // nil for fire-and-forget
}

// Queue is a single-consumer FIFO executor.
type Queue struct {
	ops    chan job
	logger *log.Logger

	mu     sync.RWMutex
	closed bool

	pending atomic.Int64
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue and starts its worker.
func New(config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ops:    make(chan job, config.Capacity),
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	q.wg.Add(1)
	go q.drain()

	return q
}

// Enqueue appends op and returns immediately. The operation runs with the
// queue's own context; its error is discarded.
func (q *Queue) Enqueue(op Op) error {
	return q.push(job{op: op, ctx: q.ctx})
}

// Do enqueues op and waits for its result. ctx is passed to op, so a
// caller that gives up also cancels the operation once it starts. If ctx
// ends before op has run, Do returns ctx.Err() and op is still executed
// in order (with the cancelled context).
func (q *Queue) Do(ctx context.Context, op Op) error {
	done := make(chan error, 1)
	if err := q.push(job{op: op, ctx: ctx, done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) push(j job) error {
	if j.op == nil {
		return fmt.Errorf("op cannot be nil")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	q.pending.Add(1)
	select {
	case q.ops <- j:
		return nil
	default:
		q.pending.Add(-1)
		return ErrFull
	}
}

// Pending returns the number of operations waiting or running.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Busy reports whether an operation is executing right now.
func (q *Queue) Busy() bool {
	return q.running.Load()
}

// Close stops accepting operations, lets the worker finish everything
// already enqueued, and waits for it to exit. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	return nil
}

// drain is the single consumer.
func (q *Queue) drain() {
	defer q.wg.Done()

	for j := range q.ops {
		err := q.run(j)
		if j.done != nil {
			j.done <- err
		}
		q.pending.Add(-1)
	}
}

func (q *Queue) run(j job) (err error) {
	q.running.Store(true)
	defer q.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			q.logger.Printf("Recovered panic in queued operation: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	return j.op(j.ctx)
}

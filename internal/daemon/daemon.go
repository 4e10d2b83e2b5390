// Package daemon runs background synchronization: the poll scheduler, the
// realtime subscription and the operation queue that serializes every
// network-affecting call.
//
// The daemon:
// 1. Enqueues a pull-and-merge every PollInterval while started
// 2. Enqueues a pull for every realtime change notification
// 3. Saves locally first and pushes in the background
// 4. Deletes locally first and deletes remotely with retry
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sparkchat/sparksync/internal/db"
	"github.com/sparkchat/sparksync/internal/queue"
	"github.com/sparkchat/sparksync/internal/realtime"
	"github.com/sparkchat/sparksync/internal/schema"
	engine "github.com/sparkchat/sparksync/internal/sync"
)

var (
	// ErrAlreadyStarted is returned by Start unless the daemon is stopped.
	ErrAlreadyStarted = errors.New("sync already started")

	// ErrNotStarted is returned by Stop while the daemon is stopped.
	ErrNotStarted = errors.New("sync not started")
)

// State is the lifecycle state of the daemon.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Store is the local store as seen by the daemon. *db.DB satisfies it.
type Store interface {
	engine.Store
	SaveConversation(ctx context.Context, conv *schema.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
}

// Realtime is the change subscription. *realtime.Listener satisfies it.
type Realtime interface {
	Subscribe() error
	Unsubscribe() error
}

// Config holds configuration for the daemon.
type Config struct {
	// PollInterval is how often a background pull is enqueued
	PollInterval time.Duration

	// QueueCapacity bounds the number of waiting operations
	QueueCapacity int

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  5 * time.Second,
		QueueCapacity: queue.DefaultConfig().Capacity,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is a point-in-time view of the daemon.
type Status struct {
	State        State
	QueuePending int
	QueueBusy    bool
	LastPull     time.Time
	LastPullErr  error
}

// Daemon owns the operation queue and the background sync lifecycle.
type Daemon struct {
	store    Store
	syncer   engine.Syncer
	realtime Realtime
	queue    *queue.Queue
	config   *Config
	logger   *log.Logger

	// lifecycleMu serializes Start, Stop and Close.
	lifecycleMu sync.Mutex

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	closed      bool
	lastPull    time.Time
	lastPullErr error

	wg sync.WaitGroup

	pullQueued atomic.Bool

	observersMu  sync.RWMutex
	observers    map[int]func(Event)
	nextObserver int
}

// New creates a Daemon with the default configuration.
//
// The daemon requires:
//   - store: the local conversation store
//   - s: a Syncer over the same store
//
// rt may be nil, in which case only polling triggers pulls.
func New(store Store, s engine.Syncer, rt Realtime) (*Daemon, error) {
	return NewWithConfig(store, s, rt, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(store Store, s engine.Syncer, rt Realtime, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", config.PollInterval)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	q := queue.New(&queue.Config{
		Capacity: config.QueueCapacity,
		Logger:   log.New(logger.Writer(), "[queue] ", logger.Flags()),
	})

	return &Daemon{
		store:     store,
		syncer:    s,
		realtime:  rt,
		queue:     q,
		config:    config,
		logger:    logger,
		observers: make(map[int]func(Event)),
	}, nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Status returns the current state, queue depth and last pull outcome.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		State:        d.state,
		QueuePending: d.queue.Pending(),
		QueueBusy:    d.queue.Busy(),
		LastPull:     d.lastPull,
		LastPullErr:  d.lastPullErr,
	}
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.logger.Printf("State: %s", s)
	d.emit(Event{Type: EventStateChanged, State: s})
}

// Start moves Stopped → Starting → Polling. It subscribes to realtime
// changes and starts the poll loop, which enqueues its first pull right
// away. Start does not block.
func (d *Daemon) Start() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return queue.ErrClosed
	}
	if d.state != StateStopped {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	d.setState(StateStarting)

	if d.realtime != nil {
		if err := d.realtime.Subscribe(); err != nil {
			d.logger.Printf("Realtime subscribe failed: %v", err)
		}
	}

	d.wg.Add(1)
	go d.pollLoop(ctx)

	d.setState(StatePolling)
	return nil
}

// Stop cancels the poll loop and unsubscribes from realtime changes. An
// operation already running in the queue finishes normally; background
// pulls still waiting are skipped.
func (d *Daemon) Stop() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.stopLocked()
}

func (d *Daemon) stopLocked() error {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return ErrNotStarted
	}
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	d.logger.Println("Stopping sync")
	cancel()
	d.wg.Wait()

	if d.realtime != nil {
		if err := d.realtime.Unsubscribe(); err != nil && !errors.Is(err, realtime.ErrNotSubscribed) {
			d.logger.Printf("Realtime unsubscribe failed: %v", err)
		}
	}

	d.setState(StateStopped)
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	d.logger.Println("Shutdown signal received")
	if err := d.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return nil
}

// Close stops the daemon if needed and drains the queue. Operations
// already queued still run. The daemon cannot be restarted afterwards.
func (d *Daemon) Close() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.State() != StateStopped {
		_ = d.stopLocked()
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.queue.Close()
}

// pollLoop enqueues a pull immediately and then every PollInterval.
func (d *Daemon) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.RequestPull()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RequestPull()
		}
	}
}

// HandleChange is the realtime callback. It enqueues a pull; the change
// itself is only a hint.
func (d *Daemon) HandleChange(c realtime.Change) {
	d.emit(Event{Type: EventRemoteChange, Table: c.Table})
	d.RequestPull()
}

// RequestPull enqueues a background pull unless one is already waiting in
// the queue. The pending flag is cleared when the pull starts, so a
// change that arrives mid-pull still gets a pull of its own.
//
// Background pulls are skipped while the daemon is stopped.
func (d *Daemon) RequestPull() {
	if d.State() == StateStopped {
		return
	}
	if !d.pullQueued.CompareAndSwap(false, true) {
		return
	}
	err := d.queue.Enqueue(func(ctx context.Context) error {
		d.pullQueued.Store(false)
		if d.State() == StateStopped {
			return nil
		}
		_, err := d.pull(ctx)
		return err
	})
	if err != nil {
		d.pullQueued.Store(false)
		d.logger.Printf("Could not enqueue pull: %v", err)
	}
}

// PullNow runs a pull through the queue and waits for it, regardless of
// state. It is never coalesced.
func (d *Daemon) PullNow(ctx context.Context) (engine.Result, error) {
	var res engine.Result
	err := d.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = d.pull(ctx)
		return err
	})
	return res, err
}

func (d *Daemon) pull(ctx context.Context) (engine.Result, error) {
	res, err := d.syncer.PullAndMerge(ctx)

	d.mu.Lock()
	d.lastPull = time.Now()
	d.lastPullErr = err
	d.mu.Unlock()

	if err != nil {
		d.logger.Printf("Pull failed: %v", err)
		d.emit(Event{Type: EventPullFailed, Pull: &res, Err: err})
		return res, err
	}
	d.emit(Event{Type: EventPullCompleted, Pull: &res})
	return res, nil
}

// SaveConversation commits conv locally and, while the daemon is
// started, enqueues a background push. Push failures are reported to
// observers only.
func (d *Daemon) SaveConversation(ctx context.Context, conv *schema.Conversation) error {
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("%w: failed to save conversation: %w", engine.ErrPersist, err)
	}
	if d.State() != StatePolling {
		return nil
	}

	id := conv.ID
	err := d.queue.Enqueue(func(ctx context.Context) error {
		if err := d.push(ctx, id); err != nil {
			d.logger.Printf("Push failed for %s: %v", id, err)
			d.emit(Event{Type: EventPushFailed, ID: id, Err: err})
		}
		return nil
	})
	if err != nil {
		d.logger.Printf("Could not enqueue push for %s: %v", id, err)
	}
	return nil
}

// PushNow pushes one stored conversation through the queue and waits.
func (d *Daemon) PushNow(ctx context.Context, id string) error {
	id, err := schema.NormalizeID(id)
	if err != nil {
		return fmt.Errorf("failed to push conversation: %w", err)
	}
	return d.queue.Do(ctx, func(ctx context.Context) error {
		return d.push(ctx, id)
	})
}

// PushAllNow pushes every stored conversation as one queued operation and
// waits. It returns how many were pushed before any failure.
func (d *Daemon) PushAllNow(ctx context.Context) (int, error) {
	var n int
	err := d.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = d.syncer.PushAll(ctx)
		return err
	})
	if err != nil {
		d.logger.Printf("Push of all conversations failed after %d: %v", n, err)
	}
	return n, err
}

// push sends the stored version of a conversation. A conversation deleted
// since the push was queued is skipped.
func (d *Daemon) push(ctx context.Context, id string) error {
	conv, err := d.store.GetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrPersist, err)
	}
	return d.syncer.PushConversation(ctx, conv)
}

// DeleteConversation deletes a conversation locally, then remotely with
// retry through the queue, and waits for the remote outcome. A local
// failure aborts before any remote call.
//
// The queued operation repeats the local delete, so a pull that ran
// between the two deletes cannot leave the conversation behind.
func (d *Daemon) DeleteConversation(ctx context.Context, id string) error {
	return d.delete(ctx, "conversation", id, d.store.DeleteConversation, d.syncer.DeleteConversation)
}

// DeleteMessage is DeleteConversation for a single message.
func (d *Daemon) DeleteMessage(ctx context.Context, id string) error {
	return d.delete(ctx, "message", id, d.store.DeleteMessage, d.syncer.DeleteMessage)
}

func (d *Daemon) delete(ctx context.Context, kind, rawID string, local, remote func(context.Context, string) error) error {
	// Local rows are keyed by the canonical lowercase form.
	id, err := schema.NormalizeID(rawID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	if err := local(ctx, id); err != nil {
		return fmt.Errorf("%w: failed to delete %s locally: %w", engine.ErrPersist, kind, err)
	}

	err = d.queue.Do(ctx, func(ctx context.Context) error {
		if err := local(ctx, id); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrPersist, err)
		}
		return remote(ctx, id)
	})
	if err != nil {
		d.logger.Printf("Remote delete of %s %s failed: %v", kind, id, err)
		d.emit(Event{Type: EventDeleteFailed, ID: id, Err: err})
		return err
	}
	return nil
}

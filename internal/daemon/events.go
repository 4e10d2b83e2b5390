package daemon

import (
	"time"

	engine "github.com/sparkchat/sparksync/internal/sync"
)

// EventType identifies what an Event reports.
type EventType string

const (
	// EventStateChanged is emitted on every lifecycle transition.
	EventStateChanged EventType = "state_changed"

	// EventPullCompleted is emitted after a successful pull-and-merge.
	EventPullCompleted EventType = "pull_completed"

	// EventPullFailed is emitted when a pull fails, including partial pulls.
	EventPullFailed EventType = "pull_failed"

	// EventPushFailed is emitted when a background push fails.
	EventPushFailed EventType = "push_failed"

	// EventDeleteFailed is emitted when a remote delete gives up.
	EventDeleteFailed EventType = "delete_failed"

	// EventRemoteChange is emitted for every realtime change notification.
	EventRemoteChange EventType = "remote_change"
)

// Event is delivered to observers registered with Daemon.Subscribe.
type Event struct {
	Type EventType
	Time time.Time

	// State is set for EventStateChanged.
	State State

	// Pull is set for pull events.
	Pull *engine.Result

	// ID is the entity id for push and delete failures.
	ID string

	// Table is set for EventRemoteChange.
	Table string

	Err error
}

// Subscribe registers an observer and returns a function that removes
// it. Observers are called synchronously from the emitting goroutine and
// must not block.
func (d *Daemon) Subscribe(fn func(Event)) (cancel func()) {
	d.observersMu.Lock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	d.observersMu.Unlock()

	return func() {
		d.observersMu.Lock()
		delete(d.observers, id)
		d.observersMu.Unlock()
	}
}

func (d *Daemon) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.observersMu.RLock()
	fns := make([]func(Event), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.observersMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Package notifier implements the Notification broker spec §4.10 describes:
// a typed event {type, code, id, message, entities, progress, total}
// broadcast to every subscribed client channel connection. Adapted from the
// teacher's pkg/events.Broker (a generic pub/sub over a buffered channel),
// with the cluster EventType enum replaced by Sink's notification type/code
// taxonomy (spec §4.8 status transitions, §7 error kinds, §4.6 flush
// completion). Kept as a stdlib sync/chan implementation — the teacher's
// own broker is stdlib-only, and no pub/sub library appears anywhere in the
// retrieved corpus (see DESIGN.md).
package notifier

import (
	"sync"
	"time"

	"github.com/cuemby/sink/internal/keys"
)

// Type classifies a Notification, spec §4.10/§4.8/§7.
type Type int

const (
	// Status reports a synchronizer status transition (NoStatus/Connected/
	// Offline/Busy/Error).
	Status Type = iota
	// Warning reports a recoverable problem (storage rollback, adapter
	// inbound-sync error, malformed buffer) that does not fail the whole
	// resource.
	Warning
	// Progress reports incremental progress of a long-running
	// Synchronization (spec §4.9's progress/total fields).
	Progress
	// FlushCompletion reports that a Flush barrier (spec §4.6) has
	// resolved.
	FlushCompletion
	// RevisionUpdate reports a pipeline commit, the signal the query
	// runner and change-replay engine both wait on.
	RevisionUpdate
)

func (t Type) String() string {
	switch t {
	case Status:
		return "Status"
	case Warning:
		return "Warning"
	case Progress:
		return "Progress"
	case FlushCompletion:
		return "FlushCompletion"
	case RevisionUpdate:
		return "RevisionUpdate"
	default:
		return "Unknown"
	}
}

// Code further classifies Warning/Status notifications with the error
// kinds spec §7 enumerates as client-visible.
type Code int

const (
	CodeNone Code = iota
	CodeUnknownError
	CodeNoServerError
	CodeLoginError
	CodeConfigurationError
	CodeConnectionError
	CodeConnectionLostError
	CodeTransmissionError
)

// Notification is the typed event pushed to clients, spec §4.10.
type Notification struct {
	Type      Type
	Code      Code
	ID        string // flush id, command id, or empty
	Message   string
	Entities  []keys.Identifier
	Progress  int
	Total     int
	Revision  keys.Revision
	Timestamp time.Time
}

// Subscriber is a channel over which a client connection receives
// notifications.
type Subscriber chan Notification

// Broker distributes Notifications to every subscribed client connection.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan Notification
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker constructs a Broker; call Start to begin distributing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Notification, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new client connection and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a previously subscribed channel, called
// on client disconnect.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues n for distribution to every current subscriber,
// stamping Timestamp if unset.
func (b *Broker) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- n:
		default:
			// Subscriber buffer is full; drop rather than block the
			// broker loop. Clients needing a stronger delivery guarantee
			// re-query instead of relying on every notification arriving.
		}
	}
}

// SubscriberCount returns the number of connected client subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

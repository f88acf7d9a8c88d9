// Package logstream is the in-memory pub/sub fanning live execution log
// events out to observers. Subscriptions are scoped either to a single
// execution or to everything owned by one user.
package logstream

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one log line or terminal status flowing through the broker
type Event struct {
	ExecutionID string            `json:"execution_id"`
	RoutineID   string            `json:"routine_id"`
	OwnerID     string            `json:"owner_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Level       string            `json:"level"`
	Stage       string            `json:"stage"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Terminal    bool              `json:"terminal,omitempty"`
	FinalStatus string            `json:"final_status,omitempty"`
}

// ExecutionScope is the subscription key for one run
func ExecutionScope(executionID string) string {
	return "execution:" + executionID
}

// OwnerScope is the subscription key for everything a user owns
func OwnerScope(ownerID string) string {
	return "owner:" + ownerID
}

// Subscriber receives events for one scope key. Events() is closed when the
// subscriber unsubscribes, is evicted for falling behind, or the scope
// completes.
type Subscriber struct {
	ch     chan Event
	key    string
	closed bool // guarded by the broker mutex
}

// Events returns the subscriber's receive channel
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broker fans events out to subscribers keyed by scope. Delivery is
// best-effort: a subscriber whose buffer is full is evicted rather than
// allowed to block delivery to siblings.
type Broker struct {
	logger  *slog.Logger
	bufSize int

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// NewBroker creates a broker whose subscriber channels buffer bufSize
// events before the subscriber is considered stalled
func NewBroker(logger *slog.Logger, bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broker{
		logger:  logger,
		bufSize: bufSize,
		subs:    make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a sink for the scope key and returns it along with an
// idempotent unsubscribe function, safe to call from a disconnect callback.
func (b *Broker) Subscribe(key string) (*Subscriber, func()) {
	sub := &Subscriber{
		ch:  make(chan Event, b.bufSize),
		key: key,
	}

	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[*Subscriber]struct{})
	}
	b.subs[key][sub] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(sub)
	}
	return sub, unsub
}

// Publish delivers an event to every subscriber of the key. Subscribers that
// cannot accept the event are closed and removed.
func (b *Broker) Publish(key string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(key, ev)
}

// PublishCompletion delivers a distinguished terminal event for an execution
// and then closes every per-execution subscriber, signalling that no further
// events will arrive. The same terminal event, which carries the execution
// id, is forwarded to the owner scope so owner-wide observers see which run
// finished; owner subscribers stay registered.
func (b *Broker) PublishCompletion(executionID string, ev Event) {
	ev.Terminal = true

	b.mu.Lock()
	defer b.mu.Unlock()

	key := ExecutionScope(executionID)
	b.publishLocked(key, ev)
	for sub := range b.subs[key] {
		b.removeLocked(sub)
	}

	if ev.OwnerID != "" {
		b.publishLocked(OwnerScope(ev.OwnerID), ev)
	}
}

// SubscriberCount returns the number of live subscribers for a key
func (b *Broker) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Close tears down every subscriber. Used on process shutdown.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	b.subs = make(map[string]map[*Subscriber]struct{})
}

func (b *Broker) publishLocked(key string, ev Event) {
	for sub := range b.subs[key] {
		select {
		case sub.ch <- ev:
		default:
			// Stalled consumer: evict so it cannot hold back siblings
			b.logger.Warn("evicting slow log subscriber", "scope", key)
			b.removeLocked(sub)
		}
	}
}

func (b *Broker) removeLocked(sub *Subscriber) {
	set, ok := b.subs[sub.key]
	if ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sub.key)
			}
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/notification"
)

// Kind tags an Event's payload. The set is closed: subscribers switch on it
// instead of type-asserting arbitrary data.
type Kind string

const (
	KindConnectionStatus Kind = "connectionStatus"
	KindStreamStatus     Kind = "sseStatus"
	KindNotification     Kind = "notification"
	KindHistoryUpdated   Kind = "historyUpdated"
	KindRenewalDue       Kind = "renewalDue"
)

// StreamState mirrors the stream status values surfaced to listeners.
type StreamState string

const (
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
	StreamPolling      StreamState = "polling"
	StreamDisconnected StreamState = "disconnected"
)

// Event is a lifecycle signal fanned out to registered listeners.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Exactly one payload field is set, per Kind. Events are not persisted or
// replayed; late subscribers only see future events.
type Event struct {
	Kind Kind
	Time time.Time

	ConnectionStatus *ConnectionStatusEvent
	StreamStatus     *StreamStatusEvent
	Notification     *notification.Notification
	History          []notification.Notification
	RenewalTopic     string
}

type ConnectionStatusEvent struct {
	Connected bool
	Topic     string
}

type StreamStatusEvent struct {
	State   StreamState
	Attempt int
	Delay   time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

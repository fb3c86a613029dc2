// Package events publishes engine state changes to subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"Confluence/internal/logger"
)

// Kind names an event.
type Kind string

const (
	GatewayAdded                Kind = "GatewayAdded"
	GatewayRemoved              Kind = "GatewayRemoved"
	ThresholdChanged            Kind = "ThresholdChanged"
	RemoteRegistered            Kind = "RemoteRegistered"
	Paused                      Kind = "Paused"
	Unpaused                    Kind = "Unpaused"
	MessageDispatched           Kind = "MessageDispatched"
	DispatchFailed              Kind = "DispatchFailed"
	ContributionRecorded        Kind = "ContributionRecorded"
	QuorumReached               Kind = "QuorumReached"
	ExecutionSuccess            Kind = "ExecutionSuccess"
	ExecutionFailed             Kind = "ExecutionFailed"
	InvalidExecutionReturnValue Kind = "InvalidExecutionReturnValue"
)

// Event is one observable change. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	Gateway   string    `json:"gateway,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	OutboxID  string    `json:"outboxId,omitempty"`
	Network   string    `json:"network,omitempty"`
	Address   string    `json:"address,omitempty"`
	Threshold int       `json:"threshold,omitempty"`
	Count     int       `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// historySize is the number of recent events kept for Recent.
const historySize = 256

// Bus fans events out to buffered subscriber channels.
// Publish never blocks: an event that does not fit a subscriber's buffer is
// counted and logged instead.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event // subs maps subscription id to its channel
	nextID  int                // nextID is the next subscription id
	history []Event            // history is a ring of recent events
	head    int                // head is the next write position in history
	full    bool               // full is set once history wrapped
	dropped atomic.Uint64      // dropped counts undelivered events
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[int]chan Event),
		history: make([]Event, historySize),
	}
}

// Subscribe returns a channel receiving every future event and a cancel function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	b.history[b.head] = e
	b.head = (b.head + 1) % len(b.history)
	if b.head == 0 {
		b.full = true
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			logger.Warn("event dropped, subscriber full", "kind", e.Kind, "subscriber", id, "message", e.MessageID)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.head
	if b.full {
		size = len(b.history)
	}

	if n <= 0 || n > size {
		n = size
	}

	result := make([]Event, 0, n)
	for i := n; i > 0; i-- {
		idx := (b.head - i + len(b.history)) % len(b.history)
		result = append(result, b.history[idx])
	}

	return result
}

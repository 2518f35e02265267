// Package events fans out progress events of plans and atomic operations to subscribers.
//
// Publishing never blocks the executors: each subscriber owns a buffered channel and an event
// that does not fit is dropped for that subscriber only.
package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// EntityKind tells plan events apart from atomic operation events.
type EntityKind string

const (
	EntityPlan      EntityKind = "plan"
	EntityOperation EntityKind = "operation"
)

// Event is a status transition of a plan, one of its nodes, an operation or one of its steps.
// For entity level transitions NodeID is empty and Step is -1.
type Event struct {
	Kind      EntityKind `json:"kind"`
	EntityID  string     `json:"entityId"`
	NodeID    string     `json:"nodeId,omitempty"`
	Step      int        `json:"step"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Scope returns the node ID or step index the event is about, or "" for the entity itself.
func (e Event) Scope() string {
	switch {
	case e.NodeID != "":
		return e.NodeID
	case e.Step >= 0 && e.Kind == EntityOperation:
		return "step-" + strconv.Itoa(e.Step)
	default:
		return ""
	}
}

// Publisher is the side of the bus the executors see.
type Publisher interface {
	Publish(e Event)
}

// DefaultBufferSize is the channel capacity of a subscription created with size <= 0.
const DefaultBufferSize = 100

// Bus is a non-blocking publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	lggr   logger.Logger
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

var _ Publisher = (*Bus)(nil)

// NewBus returns an empty bus.
func NewBus(lggr logger.Logger) *Bus {
	return &Bus{
		lggr: lggr.Named("events"),
		subs: make(map[uint64]chan Event),
	}
}

// Subscribe returns a channel receiving every event published from now on and a function that
// ends the subscription and closes the channel.
func (b *Bus) Subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.lggr.Debugw("Dropped event for slow subscriber", "subscriber", id, "entity", e.EntityID, "to", e.To)
		}
	}
}

// Close ends every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.closed = true
}

// Discard is a Publisher dropping every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

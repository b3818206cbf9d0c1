// Package eventbus is an in-process fan-out of delivery lifecycle signals.
//
// Publish never blocks: subscribers own buffered channels and a slow
// subscriber drops events rather than stalling the delivery path.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Delivery lifecycle event types.
const (
	TypeQueued         = "delivery.queued"
	TypeSent           = "delivery.sent"
	TypeRetryScheduled = "delivery.retry_scheduled"
	TypeFailed         = "delivery.failed"
	TypeBounced        = "delivery.bounced"
	TypeCancelled      = "delivery.cancelled"
	TypeExpired        = "delivery.expired"
	TypeReplaced       = "delivery.replaced"
	TypeThrottled      = "delivery.throttled"
	TypeBatched        = "delivery.batched"
	TypeBatchFlushed   = "delivery.batch_flushed"
)

// Event is a lightweight signal. Data should be small; delivery events carry
// a Delivery value.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the payload of delivery.* events.
type Delivery struct {
	RecordID   string        `json:"record_id,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Channel    string        `json:"channel"`
	Status     string        `json:"status,omitempty"`
	RetryCount int           `json:"retry_count"`
	Delay      time.Duration `json:"delay,omitempty"`
	BatchID    string        `json:"batch_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Dropped reports how many events b discarded because a subscriber was full.
// Buses that do not track drops report zero.
func Dropped(b Bus) uint64 {
	if d, ok := b.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	drop atomic.Uint64
}

func (b *memBus) Dropped() uint64 { return b.drop.Load() }

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		if !offer(ch, e) {
			b.drop.Add(1)
		}
	}
}

// offer is a non-blocking send. A concurrent unsubscribe may close ch, which
// counts as delivered.
func offer(ch chan Event, e Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case ch <- e:
		return true
	default:
		return false
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
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

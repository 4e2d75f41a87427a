package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to in-process subscribers by kind prefix. A
// subscriber whose buffer is full misses the event; publishers never block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

// Subscription is one registration on the bus. Events arrive on C until
// Cancel, which closes it.
type Subscription struct {
	C <-chan Event

	prefix string
	out    chan Event
	missed atomic.Uint64
	cancel func()
}

func (s *Subscription) offer(evt Event) {
	if !strings.HasPrefix(evt.Kind, s.prefix) {
		return
	}
	select {
	case s.out <- evt:
	default:
		s.missed.Add(1)
	}
}

// TakeMissed returns how many events were dropped on a full buffer since
// the last call, and resets the count.
func (s *Subscription) TakeMissed() uint64 { return s.missed.Swap(0) }

// Cancel unregisters and closes C. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

func New() *Bus {
	return &Bus{subs: map[int]*Subscription{}}
}

// Publish stamps evt when its Timestamp is zero and offers it to every
// matching subscriber. A nil Bus drops everything.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	for _, s := range b.subs {
		s.offer(evt)
	}
	b.mu.RUnlock()
}

func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Payload: payload})
}

// Watch registers for kinds starting with prefix ("" matches all).
func (b *Bus) Watch(prefix string, buffer int) *Subscription {
	out := make(chan Event, buffer)
	s := &Subscription{C: out, prefix: prefix, out: out}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	s.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(out)
		})
	}
	return s
}

// Subscribe is Watch for callers that only need the channel and a cancel
// func.
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	s := b.Watch(prefix, buffer)
	return s.C, s.Cancel
}

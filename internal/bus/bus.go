package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event

	// backlog is set for lossless subscriptions.
	backlog *backlog
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.backlog != nil {
			sub.backlog.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Emit publishes payload under kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeLossless is Subscribe without drops: events wait in an unbounded
// backlog until the subscriber reads them. Use it for kinds whose loss
// cannot be recovered, such as inbound relay events and transport status.
func (b *Bus) SubscribeLossless(namespace string) (<-chan Event, func()) {
	ch := make(chan Event)
	bl := &backlog{wake: make(chan struct{}, 1), stop: make(chan struct{})}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch, backlog: bl}
	b.mu.Unlock()

	go bl.pump(ch)

	var once sync.Once
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		once.Do(func() { close(bl.stop) })
	}
}

type backlog struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
	stop  chan struct{}
}

func (q *backlog) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *backlog) take() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// pump forwards queued events to ch in publish order until stop closes.
func (q *backlog) pump(ch chan<- Event) {
	for {
		select {
		case <-q.wake:
		case <-q.stop:
			return
		}
		for _, evt := range q.take() {
			select {
			case ch <- evt:
			case <-q.stop:
				return
			}
		}
	}
}

package protocol

import (
	"log"
	"sync"
)

// subscriberBuffer bounds how far a slow subscriber may lag before envelopes
// addressed to it are dropped. Dropped requests surface as bridge timeouts.
const subscriberBuffer = 64

type subscriber struct {
	msgType string
	ch      chan Envelope
}

// Bus is the page's generic message broadcast. Every envelope is offered to
// every subscriber; a subscriber only receives envelopes of its own type that
// originate from this bus.
type Bus struct {
	source string

	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
	closed bool
}

// NewBus creates a bus whose envelopes are stamped with source.
func NewBus(source string) *Bus {
	return &Bus{
		source: source,
		subs:   make(map[int]subscriber),
	}
}

// Source returns the identity stamped on envelopes published to this bus.
func (b *Bus) Source() string { return b.source }

// Publish broadcasts env. Envelopes without a source are stamped with the bus
// identity; envelopes carrying a foreign source are ignored by everyone.
func (b *Bus) Publish(env Envelope) {
	if env.Source == "" {
		env.Source = b.source
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || env.Source != b.source {
		return
	}
	for id, sub := range b.subs {
		if sub.msgType != env.Type {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			log.Printf("[bus:%s] subscriber %d lagging, dropped %s %s", b.source, id, env.Type, env.RequestID)
		}
	}
}

// Subscribe returns a channel of envelopes of msgType and a function that
// detaches the subscription and closes the channel.
func (b *Bus) Subscribe(msgType string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = subscriber{msgType: msgType, ch: ch}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return ch, cancel
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

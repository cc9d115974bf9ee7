package events

import (
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. Slow consumers
// drop events rather than block the daemon; the JSONL log is the durable
// record.
const subscriberBuffer = 256

// Publisher fans events out to live observers.
type Publisher interface {
	// Publish delivers an event to all subscribers. Never blocks.
	Publish(event Event)
	// Subscribe returns a channel receiving all subsequent events.
	Subscribe() <-chan Event
	// Unsubscribe removes a subscription channel and closes it.
	Unsubscribe(ch <-chan Event)
	// Close shuts down the publisher and closes all subscriber channels.
	Close()
}

// MemoryPublisher is an in-process Publisher backed by buffered channels.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[<-chan Event]chan Event
	closed bool
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		subs: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers the event to every subscriber, dropping it for
// subscribers whose buffer is full.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop
		}
	}
}

// Subscribe returns a channel that receives all subsequent events.
func (p *MemoryPublisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if send, ok := p.subs[ch]; ok {
		delete(p.subs, ch)
		close(send)
	}
}

// Close shuts down the publisher and closes all subscriber channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for key, send := range p.subs {
		delete(p.subs, key)
		close(send)
	}
}

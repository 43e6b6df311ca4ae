// Package pubsub provides an in-process topic to handler fan-out.
package pubsub

import "sync"

// Handler receives a payload published on a topic.
type Handler[T any] func(payload T)

// PubSub maps topics to ordered handler lists. Publish is synchronous and
// calls handlers in registration order. Handlers must deal with their own
// failures.
type PubSub[T any] struct {
	mu       sync.RWMutex
	handlers map[string][]Handler[T]
}

// New creates an empty PubSub.
func New[T any]() *PubSub[T] {
	return &PubSub[T]{handlers: make(map[string][]Handler[T])}
}

// Subscribe appends handler to the topic. Returns false if handler is nil.
func (p *PubSub[T]) Subscribe(topic string, handler Handler[T]) bool {
	if handler == nil {
		return false
	}
	p.mu.Lock()
	p.handlers[topic] = append(p.handlers[topic], handler)
	p.mu.Unlock()
	return true
}

// Unsubscribe drops every handler of the topic. Returns false if there were none.
func (p *PubSub[T]) Unsubscribe(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[topic]; !ok {
		return false
	}
	delete(p.handlers, topic)
	return true
}

// Publish invokes the handlers registered at call time. Returns false when the
// topic has no handlers.
func (p *PubSub[T]) Publish(topic string, payload T) bool {
	p.mu.RLock()
	list := p.handlers[topic]
	snapshot := make([]Handler[T], len(list))
	copy(snapshot, list)
	p.mu.RUnlock()

	if len(snapshot) == 0 {
		return false
	}
	for _, h := range snapshot {
		h(payload)
	}
	return true
}

// Has reports whether the topic has at least one handler.
func (p *PubSub[T]) Has(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[topic]) > 0
}

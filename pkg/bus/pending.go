package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/metrics"
)

const pendingLogPrefix = "bus:pending"

// PendingRequests correlates outgoing REQUESTs with their RESPONSE. Every
// entry ends exactly once: resolved, timed out, or cancelled with its owner.
type PendingRequests struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	metrics *metrics.Metrics
}

type pendingEntry struct {
	owner      string
	timer      *time.Timer
	onResponse func(Message)
}

// NewPendingRequests creates an empty table. m may be nil.
func NewPendingRequests(m *metrics.Metrics) *PendingRequests {
	return &PendingRequests{entries: make(map[string]*pendingEntry), metrics: m}
}

// Track registers requestID for owner. onTimeout runs if no response arrives
// within timeout. Tracking an id twice replaces the earlier entry.
func (p *PendingRequests) Track(requestID, owner string, timeout time.Duration, onResponse func(Message), onTimeout func()) {
	e := &pendingEntry{owner: owner, onResponse: onResponse}

	p.mu.Lock()
	if old, ok := p.entries[requestID]; ok {
		old.timer.Stop()
	}
	p.entries[requestID] = e
	e.timer = time.AfterFunc(timeout, func() {
		if !p.take(requestID, e) {
			return
		}
		zap.S().Debugf("%s - request %s timed out after %s", pendingLogPrefix, requestID, timeout)
		p.metrics.RequestTimeout()
		if onTimeout != nil {
			onTimeout()
		}
	})
	n := len(p.entries)
	p.mu.Unlock()

	p.metrics.SetPendingRequests(n)
}

// Resolve delivers msg to the waiter of requestID. Returns false for unknown
// or already finished requests.
func (p *PendingRequests) Resolve(requestID string, msg Message) bool {
	p.mu.Lock()
	e, ok := p.entries[requestID]
	p.mu.Unlock()
	if !ok || !p.take(requestID, e) {
		return false
	}
	e.timer.Stop()
	if e.onResponse != nil {
		e.onResponse(msg)
	}
	return true
}

// Cancel drops one entry without invoking its callbacks.
func (p *PendingRequests) Cancel(requestID string) bool {
	p.mu.Lock()
	e, ok := p.entries[requestID]
	p.mu.Unlock()
	if !ok || !p.take(requestID, e) {
		return false
	}
	e.timer.Stop()
	return true
}

// CancelOwner drops every entry of owner without invoking callbacks.
func (p *PendingRequests) CancelOwner(owner string) int {
	p.mu.Lock()
	cancelled := 0
	for id, e := range p.entries {
		if e.owner != owner {
			continue
		}
		e.timer.Stop()
		delete(p.entries, id)
		cancelled++
	}
	n := len(p.entries)
	p.mu.Unlock()

	p.metrics.SetPendingRequests(n)
	return cancelled
}

// Len returns the number of outstanding requests.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// take removes requestID only if it still maps to e.
func (p *PendingRequests) take(requestID string, e *pendingEntry) bool {
	p.mu.Lock()
	cur, ok := p.entries[requestID]
	if !ok || cur != e {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, requestID)
	n := len(p.entries)
	p.mu.Unlock()

	p.metrics.SetPendingRequests(n)
	return true
}

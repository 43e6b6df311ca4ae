package events

import "context"

// Publisher sends typed messages on the bus. *bus.Client implements it.
type Publisher interface {
	SendEvent(ctx context.Context, channel, eventID string, payload interface{}) bool
	SendQuery(ctx context.Context, channel, queryID string, payload interface{}) bool
}

// NoOpPublisher drops every message and reports success. Used when the gateway
// runs without a bus.
type NoOpPublisher struct{}

// SendEvent is a no-op.
func (p *NoOpPublisher) SendEvent(context.Context, string, string, interface{}) bool { return true }

// SendQuery is a no-op.
func (p *NoOpPublisher) SendQuery(context.Context, string, string, interface{}) bool { return true }

// Sent is one message captured by CallbackPublisher.
type Sent struct {
	Kind    string
	Channel string
	ID      string
	Payload interface{}
}

// CallbackPublisher hands every message to a callback (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, sent Sent) bool
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, sent Sent) bool) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// SendEvent calls the callback with Kind EVENT.
func (p *CallbackPublisher) SendEvent(ctx context.Context, channel, eventID string, payload interface{}) bool {
	return p.callback(ctx, Sent{Kind: "EVENT", Channel: channel, ID: eventID, Payload: payload})
}

// SendQuery calls the callback with Kind QUERY.
func (p *CallbackPublisher) SendQuery(ctx context.Context, channel, queryID string, payload interface{}) bool {
	return p.callback(ctx, Sent{Kind: "QUERY", Channel: channel, ID: queryID, Payload: payload})
}

// Package gateway accepts authenticated websocket clients, manages their room
// memberships and routes their messages to backend services over the bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/morezero/service-gateway/pkg/bus"
	"github.com/morezero/service-gateway/pkg/metrics"
	"github.com/morezero/service-gateway/pkg/pubsub"
	"github.com/morezero/service-gateway/pkg/registry"
)

const logPrefix = "gateway:gateway"

const (
	defaultRequestTimeout = 30 * time.Second

	hookConnect    = "connect"
	hookDisconnect = "disconnect"
	hookError      = "error"
)

// Verifier turns a connect token into an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// ServiceLookup finds the service handling a (category, type) pair.
type ServiceLookup interface {
	GetByMessage(category, typ string) (registry.Service, bool)
}

// RequestSender publishes REQUESTs on the bus. *bus.Client implements it.
type RequestSender interface {
	SendRequest(ctx context.Context, channel, routeID, requestID string, payload interface{}) bool
}

// HookEvent is passed to lifecycle hooks. Err is set only for error hooks.
type HookEvent struct {
	Session Session
	Err     error
}

// Options configures New.
type Options struct {
	Verifier   Verifier
	Authorizer Authorizer
	Services   ServiceLookup
	Bus        RequestSender
	// Pending correlates routed requests. A private table is used when nil.
	Pending *bus.PendingRequests
	// Rooms and Broadcaster default to a local-only setup.
	Rooms       *RoomManager
	Broadcaster Broadcaster
	Sessions    *SessionStore

	InstanceID     string
	RequestTimeout time.Duration
	// RateLimit is inbound frames per second per connection. Zero disables it.
	RateLimit      float64
	RateBurst      int
	EmitJoinDenied bool
	// AllowedOrigins lists browser origins allowed to connect. Empty means
	// same-origin only; "*" accepts any origin.
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// Gateway serves the websocket endpoint.
type Gateway struct {
	opts        Options
	upgrader    websocket.Upgrader
	rooms       *RoomManager
	sessions    *SessionStore
	pending     *bus.PendingRequests
	broadcaster Broadcaster
	hooks       *pubsub.PubSub[HookEvent]
	metrics     *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*Client
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Gateway. Verifier is required.
func New(opts Options) (*Gateway, error) {
	if opts.Verifier == nil {
		return nil, fmt.Errorf("%s - verifier is required", logPrefix)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Rooms == nil {
		opts.Rooms = NewRoomManager()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewLocalBroadcaster(opts.Rooms)
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessionStore()
	}
	if opts.Pending == nil {
		opts.Pending = bus.NewPendingRequests(opts.Metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:        opts,
		rooms:       opts.Rooms,
		sessions:    opts.Sessions,
		pending:     opts.Pending,
		broadcaster: opts.Broadcaster,
		hooks:       pubsub.New[HookEvent](),
		metrics:     opts.Metrics,
		clients:     make(map[string]*Client),
		ctx:         ctx,
		cancel:      cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

// Rooms exposes the room manager.
func (g *Gateway) Rooms() *RoomManager { return g.rooms }

// Sessions exposes the session store.
func (g *Gateway) Sessions() *SessionStore { return g.sessions }

// OnConnect registers a hook fired after a client is registered.
func (g *Gateway) OnConnect(fn func(HookEvent)) bool { return g.hooks.Subscribe(hookConnect, fn) }

// OnDisconnect registers a hook fired after a client is torn down.
func (g *Gateway) OnDisconnect(fn func(HookEvent)) bool {
	return g.hooks.Subscribe(hookDisconnect, fn)
}

// OnError registers a hook fired for connection level failures.
func (g *Gateway) OnError(fn func(HookEvent)) bool { return g.hooks.Subscribe(hookError, fn) }

// Start starts the broadcaster.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("%s - failed to start broadcaster: %w", logPrefix, err)
	}
	zap.S().Infof("%s - socket gateway started", logPrefix)
	return nil
}

// Stop closes every connection, waits for their goroutines and closes the
// broadcaster.
func (g *Gateway) Stop() error {
	g.cancel()

	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	g.wg.Wait()

	if err := g.broadcaster.Close(); err != nil {
		return fmt.Errorf("%s - failed to stop: %w", logPrefix, err)
	}
	zap.S().Infof("%s - socket gateway stopped", logPrefix)
	return nil
}

// ClientCount returns the number of live connections.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(g.opts.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the request, upgrades it and runs the connection
// until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.opts.Verifier.Verify(TokenFromRequest(r))
	if err != nil {
		g.hooks.Publish(hookError, HookEvent{Err: err})
		if errors.Is(err, ErrMissingToken) {
			http.Error(w, "No connect token found", http.StatusUnauthorized)
			return
		}
		zap.S().Debugf("%s - rejected connection: %v", logPrefix, err)
		http.Error(w, "Invalid connect token", http.StatusUnauthorized)
		return
	}

	connID := uuid.NewString()
	g.sessions.Create(connID, identity)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.sessions.Remove(connID)
		zap.S().Debugf("%s - upgrade failed: %v", logPrefix, err)
		return
	}
	session, ok := g.sessions.Get(connID)
	if !ok {
		_ = conn.Close()
		return
	}

	c := newClient(session, conn, g.newLimiter())
	if !g.register(c) {
		c.Close()
		g.sessions.Remove(connID)
		return
	}

	go c.writePump()
	if err := c.readPump(g.handleFrame); err != nil {
		zap.S().Warnf("%s - connection %s failed: %v", logPrefix, c.id, err)
		g.hooks.Publish(hookError, HookEvent{Session: session, Err: err})
	}
	g.unregister(c)
}

func (g *Gateway) newLimiter() *rate.Limiter {
	if g.opts.RateLimit <= 0 {
		return nil
	}
	burst := g.opts.RateBurst
	if burst <= 0 {
		burst = int(g.opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(g.opts.RateLimit), burst)
}

func (g *Gateway) register(c *Client) bool {
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return false
	}
	g.clients[c.id] = c
	g.wg.Add(1)
	g.mu.Unlock()

	g.metrics.SocketConnected()
	zap.S().Infof("%s - client %s connected as user %s", logPrefix, c.id, c.session.UserID)
	g.hooks.Publish(hookConnect, HookEvent{Session: c.session})
	return true
}

// unregister tears down c once: rooms, pending requests, session.
func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	g.mu.Unlock()
	defer g.wg.Done()

	c.Close()
	left := g.rooms.LeaveAll(c)
	cancelled := g.pending.CancelOwner(c.id)
	g.sessions.Remove(c.id)

	g.metrics.SocketDisconnected()
	zap.S().Infof("%s - client %s disconnected (left %d rooms, cancelled %d requests)",
		logPrefix, c.id, len(left), cancelled)
	g.hooks.Publish(hookDisconnect, HookEvent{Session: c.session})
}

func (g *Gateway) handleFrame(c *Client, raw []byte) {
	g.metrics.SocketFrame("in")
	if !c.allow() {
		g.metrics.RateLimited()
		g.sendError(c, errRateLimited())
		return
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		g.sendError(c, errBadFrame("frame must be a JSON object with an event"))
		return
	}

	switch f.Event {
	case EventMessage:
		g.handleMessage(c, f.Data)
	case EventJoinChannel, EventLeaveChannel:
		var room string
		if err := json.Unmarshal(f.Data, &room); err != nil || room == "" {
			g.sendError(c, errBadFrame(f.Event+" expects a room name"))
			return
		}
		if f.Event == EventJoinChannel {
			g.handleJoin(c, room)
		} else {
			g.handleLeave(c, room)
		}
	default:
		g.sendError(c, errBadFrame("unknown event "+f.Event))
	}
}

func (g *Gateway) handleJoin(c *Client, room string) {
	ctx, cancel := context.WithTimeout(g.ctx, g.opts.RequestTimeout)
	defer cancel()

	rooms, err := resolveJoin(ctx, g.opts.Authorizer, c.session.UserID, room)
	if err != nil {
		zap.S().Warnf("%s - join %s by %s failed: %v", logPrefix, room, c.id, err)
		g.hooks.Publish(hookError, HookEvent{Session: c.session, Err: err})
		g.metrics.RoomJoin("error")
	}
	if len(rooms) == 0 {
		if err == nil {
			g.metrics.RoomJoin("denied")
		}
		zap.S().Debugf("%s - join %s denied for user %s", logPrefix, room, c.session.UserID)
		if g.opts.EmitJoinDenied {
			g.send(c, EventChannelJoinDenied, room)
		}
		return
	}

	g.metrics.RoomJoin("joined")
	for _, r := range rooms {
		g.rooms.Join(r, c)
		g.send(c, EventChannelJoined, "Joined channel: "+r)
	}
}

func (g *Gateway) handleLeave(c *Client, room string) {
	rooms := []string{room}
	if key, ok := ParseRoomKey(room); ok {
		rooms = key.Expand()
	}
	for _, r := range rooms {
		if g.rooms.Leave(r, c) {
			g.send(c, EventChannelLeft, "Left channel: "+r)
		}
	}
}

func (g *Gateway) handleMessage(c *Client, data json.RawMessage) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		g.sendError(c, errBadFrame("message must be a JSON object"))
		return
	}
	msg, err := stampServerTimestamp(data, time.Now())
	if err != nil {
		g.sendError(c, errBadFrame("message cannot be stamped"))
		return
	}
	if isInbound(msg) {
		g.routeInbound(c, msg)
		return
	}
	g.routeOutbound(msg, true)
}

// routeInbound forwards msg as a REQUEST to the service that handles it and
// relays the RESPONSE, or a timeout, back to c.
func (g *Gateway) routeInbound(c *Client, msg []byte) {
	category := gjson.GetBytes(msg, "meta.category").String()
	typ := gjson.GetBytes(msg, "meta.type").String()

	svc, ok := g.lookup(category, typ)
	if !ok {
		g.sendError(c, errServiceNotFound())
		return
	}
	if !svc.Supports(registry.ChannelBus) || g.opts.Bus == nil {
		g.sendError(c, errServiceUnreachable(svc.Name))
		return
	}

	routeID := category + "-" + typ
	requestID := routeID + "." + uuid.NewString()
	g.pending.Track(requestID, c.id, g.opts.RequestTimeout,
		func(resp bus.Message) { g.forwardResponse(c, resp) },
		func() { g.sendError(c, errRequestTimeout()) },
	)

	payload := map[string]interface{}{
		"gatewayId": g.opts.InstanceID,
		"data":      json.RawMessage(msg),
	}
	if !g.opts.Bus.SendRequest(g.ctx, svc.Name, routeID, requestID, payload) {
		g.pending.Cancel(requestID)
		g.sendError(c, errBusUnavailable())
		return
	}
	zap.S().Debugf("%s - routed %s from %s to %s", logPrefix, requestID, c.id, svc.Name)
}

func (g *Gateway) lookup(category, typ string) (registry.Service, bool) {
	if g.opts.Services == nil || category == "" || typ == "" {
		return registry.Service{}, false
	}
	return g.opts.Services.GetByMessage(category, typ)
}

func (g *Gateway) forwardResponse(c *Client, resp bus.Message) {
	if body, ok := resp[bus.FieldResponse]; ok {
		g.send(c, EventMessage, body)
		return
	}
	g.send(c, EventMessage, resp.Payload())
}

// routeOutbound delivers msg to the room its category and entity select.
// Bus traffic reaches every instance through its own consumer group, so it
// is delivered to local members only. Socket traffic is relayed to peers.
func (g *Gateway) routeOutbound(msg []byte, relay bool) {
	room, ok := outboundRoom(msg)
	if !ok {
		zap.S().Debugf("%s - no room for outbound message %s", logPrefix,
			gjson.GetBytes(msg, "meta").Raw)
		return
	}
	frame, err := encodeFrame(EventMessage, json.RawMessage(msg))
	if err != nil {
		zap.S().Errorf("%s - failed to encode outbound frame: %v", logPrefix, err)
		return
	}
	if !relay {
		g.rooms.Broadcast(room, frame)
		return
	}
	if err := g.broadcaster.Broadcast(g.ctx, room, frame); err != nil {
		zap.S().Warnf("%s - broadcast to %s: %v", logPrefix, room, err)
	}
}

// HandleBusMessage consumes messages addressed to the gateway. RESPONSEs
// resolve pending requests; anything else is routed to rooms.
func (g *Gateway) HandleBusMessage(m bus.Message) {
	if m.Kind() == bus.KindResponse && m.RequestID() != "" {
		if !g.pending.Resolve(m.RequestID(), m) {
			zap.S().Debugf("%s - ignoring response for unknown request %s", logPrefix, m.RequestID())
		}
		return
	}

	data, err := json.Marshal(m.Payload())
	if err != nil {
		zap.S().Warnf("%s - dropping bus message %s: %v", logPrefix, m.MessageID(), err)
		return
	}
	if isInbound(data) {
		return
	}
	msg, err := stampServerTimestamp(data, time.Now())
	if err != nil {
		zap.S().Warnf("%s - dropping bus message %s: %v", logPrefix, m.MessageID(), err)
		return
	}
	g.routeOutbound(msg, false)
}

func (g *Gateway) send(c *Client, event string, data interface{}) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		zap.S().Errorf("%s - failed to encode %s frame: %v", logPrefix, event, err)
		return
	}
	if c.Send(frame) {
		g.metrics.SocketFrame("out")
	}
}

func (g *Gateway) sendError(c *Client, p ErrorPayload) {
	g.send(c, EventMessage, p)
}

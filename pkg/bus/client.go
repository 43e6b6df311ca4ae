// Package bus turns a JetStream stream into typed COMMAND/QUERY/EVENT/REQUEST
// messaging with a producer role, a consumer-group role, dynamic topic
// membership and crash recovery.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/metrics"
	"github.com/morezero/service-gateway/pkg/pubsub"
)

const logPrefix = "bus:client"

// ErrProducerNotConnected is returned by publish when the producer role is down.
var ErrProducerNotConnected = errors.New("producer not connected")

// ErrInvalidTopic is returned for topic names that cannot map to one subject.
var ErrInvalidTopic = commsutil.ErrInvalidTopic

// Role selects the producer, the consumer, or both.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
	RoleAll      Role = ""
)

func (r Role) includes(other Role) bool { return r == RoleAll || r == other }

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	URL           string
	ClientID      string
	GroupID       string
	Stream        string
	SubjectPrefix string
	StreamMaxAge  time.Duration
	Topics        []string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	DedupSize    int

	// InactiveThreshold is how long the server keeps the durable consumer
	// without a subscriber. Zero means defaultInactiveThreshold.
	InactiveThreshold time.Duration
	// DeleteOnClose removes the durable consumer on Close. Set it when the
	// group belongs to this instance only.
	DeleteOnClose bool

	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.ClientID == "" {
		o.ClientID = "service-gateway"
	}
	if o.GroupID == "" {
		o.GroupID = o.ClientID
	}
	if o.Stream == "" {
		o.Stream = "BUS"
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = commsutil.DefaultSubjectPrefix
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
	}
	if o.DedupSize <= 0 {
		o.DedupSize = 4096
	}
	if o.InactiveThreshold <= 0 {
		o.InactiveThreshold = defaultInactiveThreshold
	}
}

// Client is the message bus client. Its methods are safe for concurrent use.
type Client struct {
	opts     Options
	metrics  *metrics.Metrics
	handlers *pubsub.PubSub[Message]
	hooks    *pubsub.PubSub[Role]
	seen     *lru.Cache[string, struct{}]

	// membership serializes topic changes and recoveries.
	membership *semaphore.Weighted

	lifetime context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	topics       []string
	wantProducer bool
	wantConsumer bool
	producerConn *comms.Conn
	producerJS   jetstream.JetStream
	consumerConn *comms.Conn
	consumerJS   jetstream.JetStream
	consumeCtx   jetstream.ConsumeContext
	recovering   atomic.Bool
}

// NewClient creates a disconnected client.
func NewClient(opts Options) (*Client, error) {
	opts.applyDefaults()

	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create dedup cache: %w", logPrefix, err)
	}

	topics := make([]string, 0, len(opts.Topics))
	for _, t := range opts.Topics {
		if t == "" || containsTopic(topics, t) {
			continue
		}
		if err := commsutil.ValidateTopic(t); err != nil {
			return nil, fmt.Errorf("%s - failed to create client: %w", logPrefix, err)
		}
		topics = append(topics, t)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		metrics:    opts.Metrics,
		handlers:   pubsub.New[Message](),
		hooks:      pubsub.New[Role](),
		seen:       seen,
		membership: semaphore.NewWeighted(1),
		lifetime:   lifetime,
		cancel:     cancel,
		topics:     topics,
	}, nil
}

// Connect brings up the given role(s), retrying with exponential backoff until
// it succeeds or ctx ends.
func (c *Client) Connect(ctx context.Context, role Role) error {
	if err := c.membership.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s - failed to connect: %w", logPrefix, err)
	}
	defer c.membership.Release(1)

	c.mu.Lock()
	if role.includes(RoleProducer) {
		c.wantProducer = true
	}
	if role.includes(RoleConsumer) {
		c.wantConsumer = true
	}
	c.mu.Unlock()

	return c.connectRoles(ctx, role)
}

// Disconnect tears the given role(s) down. Recovery will not bring them back.
func (c *Client) Disconnect(ctx context.Context, role Role) error {
	if err := c.membership.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s - failed to disconnect: %w", logPrefix, err)
	}
	defer c.membership.Release(1)

	c.mu.Lock()
	if role.includes(RoleProducer) {
		c.wantProducer = false
	}
	if role.includes(RoleConsumer) {
		c.wantConsumer = false
	}
	c.mu.Unlock()

	c.disconnectRoles(role)
	return nil
}

// Close stops crash recovery and disconnects both roles. With DeleteOnClose
// the durable consumer is removed first.
func (c *Client) Close(ctx context.Context) error {
	c.cancel()
	if err := c.membership.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s - failed to close: %w", logPrefix, err)
	}
	defer c.membership.Release(1)

	c.mu.Lock()
	c.wantProducer = false
	c.wantConsumer = false
	c.mu.Unlock()

	if c.opts.DeleteOnClose {
		c.deleteConsumer(ctx)
	}
	c.disconnectRoles(RoleAll)
	return nil
}

// ProducerConnected reports whether sends can currently succeed.
func (c *Client) ProducerConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producerJS != nil
}

// ConsumerConnected reports whether the consumer role is up.
func (c *Client) ConsumerConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumerConn != nil
}

// OnMessage registers a handler for messages delivered on topic.
func (c *Client) OnMessage(topic string, handler func(Message)) bool {
	return c.handlers.Subscribe(topic, handler)
}

// OnConnect registers a hook fired after role connects.
func (c *Client) OnConnect(role Role, fn func(Role)) bool {
	return c.hooks.Subscribe(hookTopic(role, "connect"), fn)
}

// OnDisconnect registers a hook fired after role disconnects.
func (c *Client) OnDisconnect(role Role, fn func(Role)) bool {
	return c.hooks.Subscribe(hookTopic(role, "disconnect"), fn)
}

func hookTopic(role Role, event string) string {
	return fmt.Sprintf("$bus.%s.%s", role, event)
}

// SendMessage stamps topic and a fresh messageId onto payload and publishes
// it. It returns false instead of failing when the producer is not connected,
// the payload is not an object, or the publish is rejected.
func (c *Client) SendMessage(ctx context.Context, topic string, payload interface{}) bool {
	m, err := commsutil.ToMap(payload)
	if err != nil {
		zap.S().Errorf("%s - cannot send to %s: %v", logPrefix, topic, err)
		return false
	}
	if err := c.publish(ctx, topic, Message(m)); err != nil {
		if errors.Is(err, ErrProducerNotConnected) {
			zap.S().Warnf("%s - dropping message for %s: %v", logPrefix, topic, err)
		} else {
			zap.S().Errorf("%s - failed to publish to %s: %v", logPrefix, topic, err)
		}
		return false
	}
	return true
}

// SendCommand sends a COMMAND identified by commandID.
func (c *Client) SendCommand(ctx context.Context, channel, commandID string, payload interface{}) bool {
	return c.sendKind(ctx, channel, payload, KindCommand, map[string]string{FieldCommandID: commandID})
}

// SendQuery sends a QUERY identified by queryID.
func (c *Client) SendQuery(ctx context.Context, channel, queryID string, payload interface{}) bool {
	return c.sendKind(ctx, channel, payload, KindQuery, map[string]string{FieldQueryID: queryID})
}

// SendEvent sends an EVENT identified by eventID.
func (c *Client) SendEvent(ctx context.Context, channel, eventID string, payload interface{}) bool {
	return c.sendKind(ctx, channel, payload, KindEvent, map[string]string{FieldEventID: eventID})
}

// SendRequest sends a REQUEST carrying both routeID and requestID.
func (c *Client) SendRequest(ctx context.Context, channel, routeID, requestID string, payload interface{}) bool {
	return c.sendKind(ctx, channel, payload, KindRequest, map[string]string{
		FieldRouteID:   routeID,
		FieldRequestID: requestID,
	})
}

// SendResponse answers request on channel, echoing its correlation ids.
func (c *Client) SendResponse(ctx context.Context, channel string, request Message, code int, response interface{}) bool {
	fields := make(map[string]string)
	for _, f := range idFields {
		if v := request.Str(f); v != "" {
			fields[f] = v
		}
	}
	return c.sendKind(ctx, channel, map[string]interface{}{
		FieldResponseCode: code,
		FieldResponse:     response,
	}, KindResponse, fields)
}

func (c *Client) sendKind(ctx context.Context, channel string, payload interface{}, kind Kind, fields map[string]string) bool {
	m, err := stamp(payload, kind, fields)
	if err != nil {
		zap.S().Errorf("%s - cannot send %s to %s: %v", logPrefix, kind, channel, err)
		return false
	}
	return c.SendMessage(ctx, channel, m)
}

func (c *Client) publish(ctx context.Context, topic string, m Message) error {
	if err := commsutil.ValidateTopic(topic); err != nil {
		return err
	}
	c.mu.Lock()
	js := c.producerJS
	c.mu.Unlock()
	if js == nil {
		return ErrProducerNotConnected
	}

	id := uuid.NewString()
	m[FieldTopic] = topic
	m[FieldMessageID] = id

	data, err := commsutil.EncodePayload(m)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message: %w", logPrefix, err)
	}
	subject := commsutil.BuildTopicSubject(c.opts.SubjectPrefix, topic)
	if _, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(id)); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", logPrefix, subject, err)
	}
	zap.S().Debugf("%s - sent %s %s on %s", logPrefix, m.Kind(), id, topic)
	return nil
}

// connectRoles assumes the membership semaphore is held.
func (c *Client) connectRoles(ctx context.Context, role Role) error {
	if role.includes(RoleProducer) {
		if err := c.retry(ctx, RoleProducer, c.connectProducer); err != nil {
			return err
		}
	}
	if role.includes(RoleConsumer) {
		if err := c.retry(ctx, RoleConsumer, c.connectConsumer); err != nil {
			return err
		}
	}
	return nil
}

// disconnectRoles assumes the membership semaphore is held.
func (c *Client) disconnectRoles(role Role) {
	if role.includes(RoleConsumer) {
		c.disconnectConsumer()
	}
	if role.includes(RoleProducer) {
		c.disconnectProducer()
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectMin
	b.MaxInterval = c.opts.ReconnectMax
	b.Reset()
	return b
}

func (c *Client) retry(ctx context.Context, role Role, connect func(context.Context) error) error {
	b := c.newBackOff()
	for {
		err := connect(ctx)
		if err == nil {
			return nil
		}
		wait := b.NextBackOff()
		c.metrics.BusReconnect(string(role), "connect_failed")
		zap.S().Warnf("%s - %s connect failed, retrying in %s: %v", logPrefix, role, wait, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s - gave up connecting %s: %w", logPrefix, role, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *Client) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.Stream,
		Subjects: commsutil.StreamSubjects(c.opts.SubjectPrefix),
		MaxAge:   c.opts.StreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to ensure stream %s: %w", logPrefix, c.opts.Stream, err)
	}
	return nil
}

func (c *Client) connectProducer(ctx context.Context) error {
	c.mu.Lock()
	connected := c.producerConn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	nc, err := commsutil.Connect(c.opts.URL, c.opts.ClientID+"-producer")
	if err != nil {
		return err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to create JetStream context: %w", logPrefix, err)
	}
	if err := c.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}

	c.mu.Lock()
	c.producerConn = nc
	c.producerJS = js
	c.mu.Unlock()

	zap.S().Infof("%s - producer connected", logPrefix)
	c.hooks.Publish(hookTopic(RoleProducer, "connect"), RoleProducer)
	return nil
}

func (c *Client) disconnectProducer() {
	c.mu.Lock()
	nc := c.producerConn
	c.producerConn = nil
	c.producerJS = nil
	c.mu.Unlock()
	if nc == nil {
		return
	}

	if err := nc.Flush(); err != nil {
		zap.S().Debugf("%s - producer flush on disconnect: %v", logPrefix, err)
	}
	nc.Close()
	zap.S().Infof("%s - producer disconnected", logPrefix)
	c.hooks.Publish(hookTopic(RoleProducer, "disconnect"), RoleProducer)
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

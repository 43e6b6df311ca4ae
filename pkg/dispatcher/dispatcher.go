package dispatcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/bus"
	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/registry"
)

const (
	logPrefix          = "dispatcher:dispatch"
	topicChangeTimeout = 2 * time.Minute
)

// Membership changes the bus topic set. *bus.Client implements it.
type Membership interface {
	Topics() []string
	OnMessage(topic string, handler func(bus.Message)) bool
	SubscribeToTopics(ctx context.Context, topics ...string) (int, error)
	UnsubscribeFromTopic(ctx context.Context, topic string) (bool, error)
}

// Responder answers registry queries. *bus.Client implements it.
type Responder interface {
	SendResponse(ctx context.Context, channel string, request bus.Message, code int, response interface{}) bool
}

// Options configures a Dispatcher.
type Options struct {
	Registry   *registry.Registry
	Membership Membership
	// Responder answers SERVICE_LIST queries when set.
	Responder Responder
	// SelfID is this service's id. Its own announcements never change membership.
	SelfID string
	// ServiceTopicHandler receives messages on every subscribed service topic.
	ServiceTopicHandler func(bus.Message)
}

// Dispatcher handles messages on the service-registry topic.
type Dispatcher struct {
	opts Options

	mu      sync.Mutex
	pending []topicChange
	signal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a Dispatcher. Call Start to run the topic worker.
func NewDispatcher(opts Options) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:   opts,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs the topic worker until Stop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop ends the topic worker and waits for the change in flight to finish.
// Queued changes that have not started are dropped.
func (d *Dispatcher) Stop() {
	d.cancel()
	<-d.done
}

// Handle applies one registry topic message. It never blocks on the bus.
func (d *Dispatcher) Handle(m bus.Message) {
	switch {
	case m.Kind() == bus.KindEvent && m.EventID() == commsutil.EventServiceOnline:
		d.handleOnline(m)
	case m.Kind() == bus.KindEvent && m.EventID() == commsutil.EventServiceOffline:
		d.handleOffline(m)
	case m.Kind() == bus.KindResponse && m.QueryID() == commsutil.QueryServiceList:
		d.handleServiceList(m)
	case m.Kind() == bus.KindQuery && m.QueryID() == commsutil.QueryServiceList,
		m.Kind() == bus.KindRequest && m.RouteID() == RouteServiceList:
		d.respondServiceList(m)
	default:
		zap.S().Debugf("%s - ignoring %s on %s", logPrefix, m.Kind(), commsutil.TopicServiceRegistry)
	}
}

func (d *Dispatcher) handleOnline(m bus.Message) {
	var a serviceAnnouncement
	if err := m.Decode(&a); err != nil || a.ServiceID == "" {
		zap.S().Warnf("%s - dropping malformed SERVICE_ONLINE: %v", logPrefix, err)
		return
	}
	zap.S().Infof("%s - service online %s (%s)", logPrefix, a.ServiceID, a.InstanceID)

	svc := a.toService()
	d.opts.Registry.Update(svc)
	if d.wantsTopic(svc) {
		d.enqueue(topicChange{subscribe: []string{svc.Name}})
	}
}

func (d *Dispatcher) handleOffline(m bus.Message) {
	serviceID := m.Str("serviceId")
	if serviceID == "" {
		zap.S().Warnf("%s - dropping SERVICE_OFFLINE without serviceId", logPrefix)
		return
	}
	zap.S().Infof("%s - service offline %s (%s)", logPrefix, serviceID, m.Str("instanceId"))

	d.opts.Registry.Remove(serviceID)
	if serviceID != d.opts.SelfID {
		d.enqueue(topicChange{unsubscribe: serviceID})
	}
}

func (d *Dispatcher) handleServiceList(m bus.Message) {
	if _, ok := m[bus.FieldResponse]; !ok {
		return
	}
	var resp serviceListResponse
	if err := m.Decode(&resp); err != nil {
		zap.S().Warnf("%s - dropping malformed SERVICE_LIST response: %v", logPrefix, err)
		return
	}

	var topics []string
	for _, svc := range resp.Response {
		if svc.ID == "" {
			continue
		}
		d.opts.Registry.Update(svc)
		if svc.Name != d.opts.SelfID {
			zap.S().Infof("%s - service online %s (%d instances)", logPrefix, svc.Name, len(svc.Instances))
		}
		if d.wantsTopic(svc) {
			topics = append(topics, svc.Name)
		}
	}
	if len(topics) > 0 {
		d.enqueue(topicChange{subscribe: topics})
	}
}

func (d *Dispatcher) respondServiceList(m bus.Message) {
	if d.opts.Responder == nil {
		return
	}
	services := d.opts.Registry.GetAll()
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	if !d.opts.Responder.SendResponse(ctx, commsutil.TopicServiceRegistry, m, http.StatusOK, services) {
		zap.S().Warnf("%s - failed to answer service list query", logPrefix)
	}
}

func (d *Dispatcher) wantsTopic(svc registry.Service) bool {
	if d.opts.Membership == nil || svc.Name == "" || svc.Name == d.opts.SelfID || !svc.Supports(registry.ChannelBus) {
		return false
	}
	if err := commsutil.ValidateTopic(svc.Name); err != nil {
		zap.S().Warnf("%s - not subscribing to service %s: %v", logPrefix, svc.Name, err)
		return false
	}
	return true
}

func (d *Dispatcher) enqueue(change topicChange) {
	if d.opts.Membership == nil {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, change)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (topicChange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return topicChange{}, false
	}
	change := d.pending[0]
	d.pending = d.pending[1:]
	return change, true
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.signal:
		}
		for {
			change, ok := d.next()
			if !ok {
				break
			}
			d.apply(change)
			if d.ctx.Err() != nil {
				return
			}
		}
	}
}

func (d *Dispatcher) apply(change topicChange) {
	ctx, cancel := context.WithTimeout(d.ctx, topicChangeTimeout)
	defer cancel()

	if change.unsubscribe != "" {
		removed, err := d.opts.Membership.UnsubscribeFromTopic(ctx, change.unsubscribe)
		if err != nil {
			zap.S().Errorf("%s - failed to unsubscribe from %s: %v", logPrefix, change.unsubscribe, err)
			return
		}
		if removed {
			zap.S().Infof("%s - unsubscribed from %s", logPrefix, change.unsubscribe)
		}
		return
	}

	current := d.opts.Membership.Topics()
	var fresh []string
	for _, t := range change.subscribe {
		if containsString(current, t) || containsString(fresh, t) {
			continue
		}
		fresh = append(fresh, t)
	}
	if len(fresh) == 0 {
		return
	}
	if d.opts.ServiceTopicHandler != nil {
		for _, t := range fresh {
			d.opts.Membership.OnMessage(t, d.opts.ServiceTopicHandler)
		}
	}
	added, err := d.opts.Membership.SubscribeToTopics(ctx, fresh...)
	if err != nil {
		zap.S().Errorf("%s - failed to subscribe to %v: %v", logPrefix, fresh, err)
		return
	}
	zap.S().Infof("%s - subscribed to %d service topics", logPrefix, added)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

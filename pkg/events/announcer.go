package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const announcerLogPrefix = "events:announcer"

// Identity is what the gateway announces about itself.
type Identity struct {
	ServiceID  string
	InstanceID string
	Hostname   string
	Port       int
	Channels   []string
}

// Announcer sends the registry handshake messages for one service instance.
type Announcer struct {
	pub Publisher
	id  Identity
}

// NewAnnouncer creates an Announcer. Channels defaults to rest, bus and socket.
func NewAnnouncer(pub Publisher, id Identity) *Announcer {
	if pub == nil {
		pub = &NoOpPublisher{}
	}
	if len(id.Channels) == 0 {
		id.Channels = []string{"rest", "bus", "socket"}
	}
	return &Announcer{pub: pub, id: id}
}

// Online sends EVENT SERVICE_ONLINE on the registry topic.
func (a *Announcer) Online(ctx context.Context) error {
	ok := a.pub.SendEvent(ctx, commsutil.TopicServiceRegistry, commsutil.EventServiceOnline, ServiceOnline{
		ServiceID:  a.id.ServiceID,
		InstanceID: a.id.InstanceID,
		Channels:   a.id.Channels,
		Hostname:   a.id.Hostname,
		Port:       a.id.Port,
		Endpoints:  []interface{}{},
		Commands:   []interface{}{},
	})
	if !ok {
		return fmt.Errorf("%s - failed to announce %s online", announcerLogPrefix, a.id.ServiceID)
	}
	zap.S().Infof("%s - announced %s/%s online", announcerLogPrefix, a.id.ServiceID, a.id.InstanceID)
	return nil
}

// Offline sends EVENT SERVICE_OFFLINE on the registry topic.
func (a *Announcer) Offline(ctx context.Context) error {
	ok := a.pub.SendEvent(ctx, commsutil.TopicServiceRegistry, commsutil.EventServiceOffline, ServiceOffline{
		ServiceID:  a.id.ServiceID,
		InstanceID: a.id.InstanceID,
	})
	if !ok {
		return fmt.Errorf("%s - failed to announce %s offline", announcerLogPrefix, a.id.ServiceID)
	}
	zap.S().Infof("%s - announced %s/%s offline", announcerLogPrefix, a.id.ServiceID, a.id.InstanceID)
	return nil
}

// QueryServiceList asks the registry for the full service list. The answer
// arrives later as a RESPONSE on the registry topic.
func (a *Announcer) QueryServiceList(ctx context.Context) error {
	ok := a.pub.SendQuery(ctx, commsutil.TopicServiceRegistry, commsutil.QueryServiceList, ServiceListQuery{
		ServiceID:  a.id.ServiceID,
		InstanceID: a.id.InstanceID,
	})
	if !ok {
		return fmt.Errorf("%s - failed to query service list", announcerLogPrefix)
	}
	return nil
}

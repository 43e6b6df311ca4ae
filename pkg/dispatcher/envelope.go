// Package dispatcher applies service-registry topic traffic to the Registry
// and keeps bus topic membership in step with the services that are online.
package dispatcher

import (
	"github.com/morezero/service-gateway/pkg/registry"
)

// RouteServiceList is the REST-style route id that asks for the service list.
const RouteServiceList = "get-/services"

// serviceAnnouncement is the payload of SERVICE_ONLINE and SERVICE_OFFLINE.
type serviceAnnouncement struct {
	ServiceID  string                     `json:"serviceId"`
	InstanceID string                     `json:"instanceId"`
	Channels   []registry.ChannelKind     `json:"supportedCommunicationChannels"`
	Hostname   string                     `json:"hostname"`
	Port       int                        `json:"port"`
	Endpoints  []registry.Endpoint        `json:"endpoints"`
	Commands   []registry.Command         `json:"commands"`
	Instances  []registry.ServiceInstance `json:"instances"`
}

// toService builds the registry record. Id and name are both the service id.
func (a serviceAnnouncement) toService() registry.Service {
	instances := a.Instances
	if len(instances) == 0 && a.InstanceID != "" {
		instances = []registry.ServiceInstance{{
			ServiceID:  a.ServiceID,
			InstanceID: a.InstanceID,
			Status:     registry.InstanceOnline,
		}}
	}
	return registry.Service{
		ID:        a.ServiceID,
		Name:      a.ServiceID,
		Channels:  a.Channels,
		Hostname:  a.Hostname,
		Port:      a.Port,
		Endpoints: a.Endpoints,
		Commands:  a.Commands,
		Instances: instances,
	}
}

// serviceListResponse is the RESPONSE to QUERY SERVICE_LIST.
type serviceListResponse struct {
	Response []registry.Service `json:"response"`
}

// topicChange is one queued membership change.
type topicChange struct {
	subscribe   []string
	unsubscribe string
}

// Package registry keeps the in-memory view of the services that announced
// themselves on the bus and answers routing lookups against it.
package registry

// ChannelKind is a transport a service can be reached on.
type ChannelKind string

const (
	ChannelBus    ChannelKind = "bus"
	ChannelREST   ChannelKind = "rest"
	ChannelSocket ChannelKind = "socket"
)

// InstanceStatus is the liveness of one service instance.
type InstanceStatus string

const (
	InstanceOnline  InstanceStatus = "online"
	InstanceOffline InstanceStatus = "offline"
)

// Endpoint is a REST route a service declares. URL may be a regular expression.
type Endpoint struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// Command is a (category, type) message pair a service handles.
type Command struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// ServiceInstance is one running copy of a service.
type ServiceInstance struct {
	ServiceID  string         `json:"serviceId"`
	InstanceID string         `json:"instanceId"`
	Status     InstanceStatus `json:"status"`
}

// Service describes how to reach a service and what it handles.
type Service struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Channels  []ChannelKind     `json:"supportedCommunicationChannels"`
	Hostname  string            `json:"hostname"`
	Port      int               `json:"port"`
	Endpoints []Endpoint        `json:"endpoints"`
	Commands  []Command         `json:"commands"`
	Instances []ServiceInstance `json:"instances"`
}

// Supports reports whether the service declares the channel.
func (s Service) Supports(kind ChannelKind) bool {
	for _, c := range s.Channels {
		if c == kind {
			return true
		}
	}
	return false
}

// Handles reports whether the service declares the (category, type) command.
func (s Service) Handles(category, typ string) bool {
	for _, c := range s.Commands {
		if c.Category == category && c.Type == typ {
			return true
		}
	}
	return false
}

func (s Service) clone() Service {
	out := s
	out.Channels = append([]ChannelKind{}, s.Channels...)
	out.Endpoints = append([]Endpoint{}, s.Endpoints...)
	out.Commands = append([]Command{}, s.Commands...)
	out.Instances = append([]ServiceInstance{}, s.Instances...)
	return out
}

// dedupeInstances keeps one instance per (serviceId, instanceId). A later
// duplicate overwrites the earlier one in place.
func dedupeInstances(serviceID string, in []ServiceInstance) []ServiceInstance {
	type key struct{ service, instance string }
	out := make([]ServiceInstance, 0, len(in))
	index := make(map[key]int, len(in))
	for _, inst := range in {
		if inst.ServiceID == "" {
			inst.ServiceID = serviceID
		}
		if inst.Status == "" {
			inst.Status = InstanceOnline
		}
		k := key{inst.ServiceID, inst.InstanceID}
		if i, ok := index[k]; ok {
			out[i] = inst
			continue
		}
		index[k] = len(out)
		out = append(out, inst)
	}
	return out
}

// Package events defines the registry lifecycle messages a service sends
// about itself and the Announcer that sends them.
package events

// ServiceOnline is the payload of EVENT SERVICE_ONLINE.
type ServiceOnline struct {
	ServiceID  string        `json:"serviceId"`
	InstanceID string        `json:"instanceId"`
	Channels   []string      `json:"supportedCommunicationChannels"`
	Hostname   string        `json:"hostname"`
	Port       int           `json:"port"`
	Endpoints  []interface{} `json:"endpoints"`
	Commands   []interface{} `json:"commands"`
}

// ServiceOffline is the payload of EVENT SERVICE_OFFLINE.
type ServiceOffline struct {
	ServiceID  string `json:"serviceId"`
	InstanceID string `json:"instanceId"`
}

// ServiceListQuery is the payload of QUERY SERVICE_LIST.
type ServiceListQuery struct {
	ServiceID  string `json:"serviceId"`
	InstanceID string `json:"instanceId"`
}

package db

import "time"

// Service represents a row in the services table plus its child rows.
type Service struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Channels  []string          `json:"supported_channels"`
	Hostname  string            `json:"hostname"`
	Port      int               `json:"port"`
	Endpoints []Endpoint        `json:"endpoints"`
	Commands  []Command         `json:"commands"`
	Instances []ServiceInstance `json:"instances"`
	Created   time.Time         `json:"created"`
	Modified  time.Time         `json:"modified"`
}

// Endpoint represents a row in the service_endpoints table.
type Endpoint struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// Command represents a row in the service_commands table.
type Command struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// ServiceInstance represents a row in the service_instances table.
type ServiceInstance struct {
	ServiceID  string `json:"service_id"`
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
}

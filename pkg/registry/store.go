package registry

import (
	"context"

	"github.com/morezero/service-gateway/pkg/db"
)

// Store persists registry snapshots. *db.Repository implements it.
type Store interface {
	SaveService(ctx context.Context, svc *db.Service) error
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context) ([]db.Service, error)
}

func toRecord(svc Service) *db.Service {
	rec := &db.Service{
		ID:       svc.ID,
		Name:     svc.Name,
		Hostname: svc.Hostname,
		Port:     svc.Port,
	}
	for _, c := range svc.Channels {
		rec.Channels = append(rec.Channels, string(c))
	}
	for _, ep := range svc.Endpoints {
		rec.Endpoints = append(rec.Endpoints, db.Endpoint{URL: ep.URL, Method: ep.Method})
	}
	for _, c := range svc.Commands {
		rec.Commands = append(rec.Commands, db.Command{Category: c.Category, Type: c.Type})
	}
	for _, inst := range svc.Instances {
		rec.Instances = append(rec.Instances, db.ServiceInstance{
			ServiceID:  inst.ServiceID,
			InstanceID: inst.InstanceID,
			Status:     string(inst.Status),
		})
	}
	return rec
}

func fromRecord(rec db.Service) Service {
	svc := Service{
		ID:       rec.ID,
		Name:     rec.Name,
		Hostname: rec.Hostname,
		Port:     rec.Port,
	}
	for _, c := range rec.Channels {
		svc.Channels = append(svc.Channels, ChannelKind(c))
	}
	for _, ep := range rec.Endpoints {
		svc.Endpoints = append(svc.Endpoints, Endpoint{URL: ep.URL, Method: ep.Method})
	}
	for _, c := range rec.Commands {
		svc.Commands = append(svc.Commands, Command{Category: c.Category, Type: c.Type})
	}
	for _, inst := range rec.Instances {
		svc.Instances = append(svc.Instances, ServiceInstance{
			ServiceID:  inst.ServiceID,
			InstanceID: inst.InstanceID,
			Status:     InstanceStatus(inst.Status),
		})
	}
	return svc
}

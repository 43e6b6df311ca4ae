package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/metrics"
)

const (
	logPrefix      = "registry:registry"
	persistTimeout = 5 * time.Second
)

// Registry is the in-memory service registry. Reads run concurrently with
// writes delivered by the bus. Ids keep their first insertion position.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	services map[string]Service

	patternMu sync.Mutex
	patterns  map[string]*regexp.Regexp

	store   Store
	metrics *metrics.Metrics
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	// Store mirrors every change when set. The in-memory view stays authoritative.
	Store   Store
	Metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry.
func NewRegistry(params NewRegistryParams) *Registry {
	return &Registry{
		services: make(map[string]Service),
		patterns: make(map[string]*regexp.Regexp),
		store:    params.Store,
		metrics:  params.Metrics,
	}
}

// Update replaces the whole record for svc.ID. It always succeeds.
func (r *Registry) Update(svc Service) bool {
	svc = r.put(svc)
	r.persist(func(ctx context.Context) error {
		return r.store.SaveService(ctx, toRecord(svc))
	})
	return true
}

// Remove deletes the record for id. It returns true even when id is unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.services[id]; ok {
		delete(r.services, id)
		kept := r.order[:0]
		for _, existing := range r.order {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		r.order = kept
	}
	n := len(r.order)
	r.mu.Unlock()

	r.metrics.SetRegistryServices(n)
	zap.S().Infof("%s - removed service %s", logPrefix, id)
	r.persist(func(ctx context.Context) error {
		return r.store.DeleteService(ctx, id)
	})
	return true
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	if !ok {
		return Service{}, false
	}
	return svc.clone(), true
}

// GetAll returns a snapshot of every record in insertion order.
func (r *Registry) GetAll() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.services[id].clone())
	}
	return out
}

// Len returns the number of known services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// GetByMessage returns the first service, in insertion order, that handles
// the (category, type) pair.
func (r *Registry) GetByMessage(category, typ string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if svc := r.services[id]; svc.Handles(category, typ) {
			return svc.clone(), true
		}
	}
	return Service{}, false
}

// GetByRequest returns the first service with an endpoint whose method
// matches and whose url equals path or, as an anchored regular expression,
// matches it.
func (r *Registry) GetByRequest(method, path string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		svc := r.services[id]
		for _, ep := range svc.Endpoints {
			if !strings.EqualFold(ep.Method, method) {
				continue
			}
			if ep.URL == path || r.matchPattern(ep.URL, path) {
				return svc.clone(), true
			}
		}
	}
	return Service{}, false
}

// Load fills the registry from the store without writing back.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("%s - failed to load services: %w", logPrefix, err)
	}
	for _, rec := range records {
		r.put(fromRecord(rec))
	}
	zap.S().Infof("%s - loaded %d services from store", logPrefix, len(records))
	return nil
}

func (r *Registry) put(svc Service) Service {
	svc = svc.clone()
	svc.Instances = dedupeInstances(svc.ID, svc.Instances)

	r.mu.Lock()
	if _, ok := r.services[svc.ID]; !ok {
		r.order = append(r.order, svc.ID)
	}
	r.services[svc.ID] = svc
	n := len(r.order)
	r.mu.Unlock()

	r.metrics.SetRegistryServices(n)
	zap.S().Infof("%s - updated service %s (%s)", logPrefix, svc.ID, svc.Name)
	return svc
}

func (r *Registry) matchPattern(pattern, path string) bool {
	r.patternMu.Lock()
	re, ok := r.patterns[pattern]
	if !ok {
		compiled, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			zap.S().Debugf("%s - endpoint %q is not a valid pattern: %v", logPrefix, pattern, err)
		}
		re = compiled
		r.patterns[pattern] = re
	}
	r.patternMu.Unlock()
	return re != nil && re.MatchString(path)
}

func (r *Registry) persist(op func(ctx context.Context) error) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		zap.S().Errorf("%s - failed to persist registry change: %v", logPrefix, err)
	}
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/morezero/service-gateway/pkg/registry"
)

const routesLogPrefix = "server:routes"

// Route is one entry of the HTTP route table.
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler
}

type serviceSnapshot interface {
	GetAll() []registry.Service
	Len() int
}

type busStatus interface {
	ProducerConnected() bool
	ConsumerConnected() bool
}

type connectionCounter interface {
	ClientCount() int
}

// Routes returns the route table in match order.
func (s *Server) Routes() []Route {
	return []Route{
		{Method: http.MethodGet, Pattern: "/services", Handler: handleServices(s.reg)},
		{Method: http.MethodGet, Pattern: "/health", Handler: handleHealth(s.bus, s.reg, s.gw)},
		{Method: http.MethodGet, Pattern: "/ready", Handler: handleReady(s.ready.Load)},
		{Method: http.MethodGet, Pattern: "/metrics", Handler: s.metrics.Handler()},
		{Method: http.MethodGet, Pattern: s.cfg.SocketPath, Handler: s.gw},
	}
}

// Handler mounts the route table.
func (s *Server) Handler() http.Handler {
	return NewRouter(s.Routes())
}

// NewRouter mounts routes on a chi router. Unmatched requests get 404 "Not found".
func NewRouter(routes []Route) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, route := range routes {
		r.Method(route.Method, route.Pattern, route.Handler)
	}
	notFound := func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func handleServices(reg serviceSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, reg.GetAll())
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Producer    bool   `json:"producer"`
	Consumer    bool   `json:"consumer"`
	Services    int    `json:"services"`
	Connections int    `json:"connections"`
}

func handleHealth(b busStatus, reg serviceSnapshot, conns connectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := healthResponse{
			Status:      "ok",
			Producer:    b.ProducerConnected(),
			Consumer:    b.ConsumerConnected(),
			Services:    reg.Len(),
			Connections: conns.ClientCount(),
		}
		code := http.StatusOK
		if !h.Producer || !h.Consumer {
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}
}

func handleReady(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Errorf("%s - failed to encode response: %v", routesLogPrefix, err)
	}
}

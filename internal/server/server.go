// Package server orchestrates the gateway: bus client, registry, dispatcher,
// socket gateway and HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/internal/logging"
	"github.com/morezero/service-gateway/pkg/bus"
	"github.com/morezero/service-gateway/pkg/db"
	"github.com/morezero/service-gateway/pkg/dispatcher"
	"github.com/morezero/service-gateway/pkg/events"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/metrics"
	"github.com/morezero/service-gateway/pkg/registry"
	"github.com/morezero/service-gateway/pkg/restapi"
)

const (
	logPrefix       = "server:server"
	shutdownTimeout = 10 * time.Second
)

// Server is the service-gateway orchestrator.
type Server struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	pool       *pgxpool.Pool
	reg        *registry.Registry
	bus        *bus.Client
	disp       *dispatcher.Dispatcher
	gw         *gateway.Gateway
	announcer  *events.Announcer
	httpServer *http.Server
	started    atomic.Bool
	ready      atomic.Bool
}

// Run loads configuration, serves until SIGINT or SIGTERM, then shuts down.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("%s - failed to build logger: %w", logPrefix, err)
	}
	restore := logging.Install(logger)
	defer restore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zap.S().Infof("%s - starting %s instance %s", logPrefix, cfg.ServiceID, cfg.InstanceID)
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.SystemLogsEnabled {
		sink := logging.NewBusSink(s.bus, logging.SinkOptions{ServiceID: cfg.ServiceID, InstanceID: cfg.InstanceID})
		sink.Start()
		defer sink.Close()
		restoreSink := logging.Install(logging.WithSink(logger, sink))
		defer restoreSink()
	}

	return s.Serve(ctx)
}

// New wires every component. Nothing is connected until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, metrics: metrics.New()}

	var store registry.Store
	if cfg.DatabaseURL != "" {
		pool, err := s.openStore(ctx)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		store = db.NewRepository(pool)
	}

	s.reg = registry.NewRegistry(registry.NewRegistryParams{Store: store, Metrics: s.metrics})
	if err := s.reg.Load(ctx); err != nil {
		zap.S().Warnf("%s - registry warm start skipped: %v", logPrefix, err)
	}

	busClient, err := bus.NewClient(bus.Options{
		URL:           cfg.BusURL,
		ClientID:      cfg.ClientID,
		GroupID:       cfg.GroupID,
		Stream:        cfg.BusStream,
		SubjectPrefix: cfg.SubjectPrefix,
		Topics:        cfg.BusTopics(),
		ReconnectMin:  cfg.ReconnectMin,
		ReconnectMax:  cfg.ReconnectMax,
		DedupSize:     cfg.DedupSize,
		Metrics:       s.metrics,

		InactiveThreshold: cfg.ConsumerInactiveThreshold,
		DeleteOnClose:     cfg.InstanceScopedGroup(),
	})
	if err != nil {
		s.closePool()
		return nil, fmt.Errorf("%s - failed to create bus client: %w", logPrefix, err)
	}
	s.bus = busClient

	gw, err := s.newGateway()
	if err != nil {
		s.closePool()
		return nil, err
	}
	s.gw = gw

	var responder dispatcher.Responder
	if cfg.RegistryResponder {
		responder = busClient
	}
	s.disp = dispatcher.NewDispatcher(dispatcher.Options{
		Registry:            s.reg,
		Membership:          busClient,
		Responder:           responder,
		SelfID:              cfg.ServiceID,
		ServiceTopicHandler: gw.HandleBusMessage,
	})

	// Handlers are registered before the consumer starts so nothing is missed.
	busClient.OnMessage(config.RegistryTopic, s.disp.Handle)
	for _, topic := range cfg.BusTopics() {
		if topic != config.RegistryTopic {
			busClient.OnMessage(topic, gw.HandleBusMessage)
		}
	}
	busClient.OnConnect(bus.RoleProducer, func(bus.Role) { s.ready.Store(s.started.Load()) })
	busClient.OnDisconnect(bus.RoleProducer, func(bus.Role) { s.ready.Store(false) })

	hostname := cfg.AdvertisedHostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	s.announcer = events.NewAnnouncer(busClient, events.Identity{
		ServiceID:  cfg.ServiceID,
		InstanceID: cfg.InstanceID,
		Hostname:   hostname,
		Port:       cfg.AdvertisedPort,
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.RESTPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) openStore(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if _, err := db.Migrate(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return pool, nil
}

func (s *Server) newGateway() (*gateway.Gateway, error) {
	key, err := gateway.LoadPublicKey(s.cfg.AuthPublicKeyFile)
	if err != nil {
		return nil, err
	}

	var authorizer gateway.Authorizer
	if s.cfg.RESTAPIURL != "" {
		authorizer = restapi.NewAuthorizer(restapi.NewClient(restapi.Options{
			BaseURL:     s.cfg.RESTAPIURL,
			APIKey:      s.cfg.RESTAPIKey,
			APISecret:   s.cfg.RESTAPISecret,
			Timeout:     s.cfg.RESTAPITimeout,
			InsecureTLS: s.cfg.RESTAPIInsecureTLS,
		}))
	} else {
		zap.S().Warnf("%s - REST_API_URL not set, private rooms cannot be joined", logPrefix)
	}

	rooms := gateway.NewRoomManager()
	var broadcaster gateway.Broadcaster = gateway.NewLocalBroadcaster(rooms)
	if s.cfg.RedisHost != "" {
		rb, err := gateway.NewRedisBroadcaster(gateway.RedisBroadcasterOptions{
			Host:     s.cfg.RedisHost,
			Password: s.cfg.RedisPassword,
			Channel:  s.cfg.RedisChannel,
			Origin:   s.cfg.InstanceID,
			Rooms:    rooms,
		})
		if err != nil {
			return nil, err
		}
		broadcaster = rb
	}

	gw, err := gateway.New(gateway.Options{
		Verifier:       gateway.NewTokenVerifier(key, s.cfg.AuthAlgorithm, s.cfg.AuthAudience),
		Authorizer:     authorizer,
		Services:       s.reg,
		Bus:            s.bus,
		Pending:        bus.NewPendingRequests(s.metrics),
		Rooms:          rooms,
		Broadcaster:    broadcaster,
		InstanceID:     s.cfg.InstanceID,
		RequestTimeout: s.cfg.RequestTimeout,
		RateLimit:      s.cfg.SocketRateLimit,
		RateBurst:      s.cfg.SocketRateBurst,
		EmitJoinDenied: s.cfg.SocketEmitJoinDenied,
		AllowedOrigins: s.cfg.SocketAllowedOrigins,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create socket gateway: %w", logPrefix, err)
	}
	return gw, nil
}

// Start connects the bus, announces the instance and starts the socket
// gateway. The bus connect retries until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.disp.Start()

	if err := s.bus.Connect(ctx, bus.RoleAll); err != nil {
		return fmt.Errorf("%s - failed to connect to bus: %w", logPrefix, err)
	}
	zap.S().Infof("%s - connected to bus at %s as group %s", logPrefix, s.cfg.BusURL, s.cfg.GroupID)

	if err := s.announcer.Online(ctx); err != nil {
		zap.S().Errorf("%s - %v", logPrefix, err)
	}
	if err := s.announcer.QueryServiceList(ctx); err != nil {
		zap.S().Errorf("%s - %v", logPrefix, err)
	}

	if err := s.gw.Start(ctx); err != nil {
		return err
	}
	s.started.Store(true)
	s.ready.Store(s.bus.ProducerConnected())
	return nil
}

// Shutdown announces the instance offline before the bus goes away, then
// stops every component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.started.Store(false)

	if err := s.announcer.Offline(ctx); err != nil {
		zap.S().Warnf("%s - %v", logPrefix, err)
	}

	// The topic worker may hold the bus membership lock. Stopping it first
	// aborts any reconnect in flight so Close does not wait on it.
	s.disp.Stop()
	var errs []error
	if err := s.bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.gw.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("%s - failed to stop http server: %w", logPrefix, err))
	}
	s.closePool()

	zap.S().Infof("%s - shutdown complete", logPrefix)
	return errors.Join(errs...)
}

// Serve starts the server, listens for HTTP until ctx ends and then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.closePool()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.S().Infof("%s - listening on %s", logPrefix, s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - http server failed: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.S().Infof("%s - shutting down", logPrefix)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) closePool() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glimte/deskflow/api"
	"github.com/glimte/deskflow/config"
	"github.com/glimte/deskflow/desk"
	"github.com/glimte/deskflow/health"
	"github.com/glimte/deskflow/internal/rabbitmq"
	"github.com/glimte/deskflow/internal/reliability"
	"github.com/glimte/deskflow/messaging"
	"github.com/glimte/deskflow/occupancy"
	"github.com/glimte/deskflow/scheduler"
	"github.com/glimte/deskflow/storage"
)

const (
	healthTimeout      = 5 * time.Second
	warnGoroutines     = 1000
	criticalGoroutines = 5000
)

// Option configures a Service
type Option func(*serviceConfig)

type serviceConfig struct {
	logger        *slog.Logger
	dialer        rabbitmq.Dialer
	mqttFactory   occupancy.ClientFactory
	schedulerOpts []scheduler.Option
}

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the broker dialer of every facade
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(c *serviceConfig) {
		c.dialer = dial
	}
}

// WithMQTTClientFactory replaces how the occupancy MQTT client is built
func WithMQTTClientFactory(factory occupancy.ClientFactory) Option {
	return func(c *serviceConfig) {
		c.mqttFactory = factory
	}
}

// WithSchedulerOptions passes extra options to the scheduler
func WithSchedulerOptions(options ...scheduler.Option) Option {
	return func(c *serviceConfig) {
		c.schedulerOpts = append(c.schedulerOpts, options...)
	}
}

// Service wires the desk scheduler together: the messaging manager, the
// device fan-out, the schedule store, the scheduler, the optional
// occupancy bridge and the HTTP surface.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	manager   *messaging.Manager
	desks     *desk.Client
	fanout    *desk.Fanout
	db        *storage.DB
	scheduler *scheduler.Scheduler
	health    *health.Registry
	server    *http.Server

	bridge *occupancy.Bridge
	source *occupancy.MQTTSource

	mu       sync.Mutex
	started  bool
	listener net.Listener
	cancel   context.CancelFunc
	workers  sync.WaitGroup
}

// New builds every component from cfg. Nothing connects until Start;
// only the database is opened and migrated here.
func New(ctx context.Context, cfg config.Config, options ...Option) (*Service, error) {
	sc := &serviceConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(sc)
	}
	logger := sc.logger

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	facadeOpts := []messaging.FacadeOption{
		messaging.WithLogger(logger),
		messaging.WithConnectTimeout(cfg.ConnectTimeout),
	}
	if sc.dialer != nil {
		facadeOpts = append(facadeOpts, messaging.WithDialer(sc.dialer))
	}
	if cfg.DeadLetterExchange != "" {
		facadeOpts = append(facadeOpts, messaging.WithDeadLetterExchange(cfg.DeadLetterExchange))
	}

	brokerURL := cfg.BrokerURL()
	manager := messaging.NewManager(messaging.WithManagerLogger(logger))
	if err := manager.AddDirect(messaging.NewDirectFacade(brokerURL, cfg.Exchange, facadeOpts...)); err != nil {
		return nil, err
	}
	if err := manager.AddPubSubs(
		messaging.NewPubSubFacade(brokerURL, messaging.ExchangeBookingCreated, facadeOpts...),
		messaging.NewPubSubFacade(brokerURL, messaging.ExchangeOccupancyUpdated, facadeOpts...),
	); err != nil {
		return nil, err
	}

	clientOpts := []desk.ClientOption{
		desk.WithTimeout(cfg.DeskAPITimeout()),
		desk.WithClientLogger(logger),
	}
	var breaker *reliability.CircuitBreaker
	if cfg.DeskAPIBreakerThreshold > 0 {
		breaker = reliability.NewCircuitBreaker(
			reliability.WithName("desk-api"),
			reliability.WithLogger(logger),
			reliability.WithFailureThreshold(cfg.DeskAPIBreakerThreshold),
			reliability.WithCooldown(cfg.DeskAPIBreakerCooldown),
			reliability.WithFailureFilter(desk.IsGatewayFailure),
		)
		clientOpts = append(clientOpts, desk.WithBreaker(breaker))
	}
	desks, err := desk.NewClient(cfg.DeskAPIBaseURL, cfg.DeskAPIKey, clientOpts...)
	if err != nil {
		return nil, err
	}
	fanout := desk.NewFanout(desks, desk.NewDirectEventPublisher(manager, cfg.Exchange),
		desk.WithFanoutLogger(logger),
	)

	db, err := storage.Open(ctx, cfg.DatabaseURL, storage.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	schedOpts := append([]scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithStore(db.Schedules()),
		scheduler.WithLocation(loc),
	}, sc.schedulerOpts...)
	sched := scheduler.New(fanout, schedOpts...)

	registry := health.NewRegistry()
	for _, f := range manager.Facades() {
		registry.Register(health.NewFacadeChecker(f))
	}
	registry.Register(health.NewSchedulerChecker(sched))
	registry.Register(health.NewPingChecker("database", db))
	registry.Register(health.NewRuntimeChecker(warnGoroutines, criticalGoroutines))
	if breaker != nil {
		registry.Register(breakerChecker(breaker))
	}
	registry.SetMetadata("exchange", cfg.Exchange)

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		desks:     desks,
		fanout:    fanout,
		db:        db,
		scheduler: sched,
		health:    registry,
	}

	if cfg.MQTTEnabled() {
		events, err := manager.PubSub(messaging.ExchangeOccupancyUpdated)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.bridge = occupancy.NewBridge(db.Occupancy(), events, occupancy.WithBridgeLogger(logger))

		sourceOpts := []occupancy.SourceOption{occupancy.WithSourceLogger(logger)}
		if sc.mqttFactory != nil {
			sourceOpts = append(sourceOpts, occupancy.WithClientFactory(sc.mqttFactory))
		}
		s.source = occupancy.NewMQTTSource(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTTopic, s.bridge.Handle, sourceOpts...)
		registry.Register(health.NewConnectionChecker("mqtt", s.source))
	}

	router := api.New(sched, desks, fanout,
		api.WithLogger(logger),
		api.WithHealthHandler(health.NewHandler(registry, healthTimeout)),
		api.WithOccupancy(db.Occupancy()),
	)
	s.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// breakerChecker reports an open gateway circuit as degraded: schedules
// keep firing and fail fast until the gateway recovers.
func breakerChecker(cb *reliability.CircuitBreaker) health.Checker {
	return health.NewCheckerFunc("desk_api", func(ctx context.Context) health.CheckResult {
		snap := cb.Snapshot()
		result := health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "Desk API circuit is " + snap.State.String(),
			Details: map[string]interface{}{
				"state":    snap.State.String(),
				"failures": snap.Failures,
			},
		}
		if snap.State != reliability.StateClosed {
			result.Status = health.StatusDegraded
		}
		if !snap.RetryAt.IsZero() {
			result.Details["retryAt"] = snap.RetryAt
		}
		return result
	})
}

// Manager returns the messaging manager
func (s *Service) Manager() *messaging.Manager {
	return s.manager
}

// Scheduler returns the scheduler
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Health returns the health registry
func (s *Service) Health() *health.Registry {
	return s.health
}

// Addr returns the address the HTTP surface listens on once started
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start connects the manager, retrying with exponential backoff until the
// configured budget is spent, then starts the scheduler, the occupancy
// bridge and the HTTP surface.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.startManager(ctx); err != nil {
		return err
	}

	s.scheduler.Start()
	if err := s.scheduler.Bootstrap(ctx); err != nil {
		s.logger.Warn("scheduler bootstrapped without stored schedules", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.bridge != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			_ = s.bridge.Run(runCtx)
		}()
		if err := s.source.Start(ctx); err != nil {
			s.rollbackLocked()
			return fmt.Errorf("occupancy source: %w", err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		s.rollbackLocked()
		return fmt.Errorf("http listen %s: %w", s.cfg.HTTPAddr, err)
	}
	s.listener = ln

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.started = true
	s.logger.Info("deskflow started", "addr", ln.Addr().String(), "jobs", s.scheduler.JobCount())
	return nil
}

func (s *Service) startManager(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.cfg.ConnectRetryMaxElapsed

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			err := s.manager.StartAll(ctx)
			if err != nil && !rabbitmq.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(policy, ctx),
		func(err error, wait time.Duration) {
			s.logger.Warn("broker not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	)
	if err != nil {
		_ = s.manager.StopAll()
		return fmt.Errorf("start messaging: %w", err)
	}
	return nil
}

// rollbackLocked undoes a partial Start
func (s *Service) rollbackLocked() {
	if s.source != nil {
		s.source.Stop()
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.workers.Wait()
	s.scheduler.Shutdown()
	_ = s.manager.StopAll()
}

// Stop reverses Start: the sensor source, the HTTP surface, the scheduler
// (waiting for in-flight runs), the manager and finally the database.
// Errors are joined. The HTTP drain is bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.started {
		if s.source != nil {
			s.source.Stop()
		}
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.workers.Wait()

		s.scheduler.Shutdown()
		s.scheduler.Wait()

		if err := s.manager.StopAll(); err != nil {
			errs = append(errs, err)
		}
		s.started = false
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("deskflow stopped with errors", "error", err)
	} else {
		s.logger.Info("deskflow stopped")
	}
	return err
}

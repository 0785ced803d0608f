package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/deskflow/internal/rabbitmq"
)

// Facade is the lifecycle surface shared by pub/sub and direct facades
type Facade interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Consuming() bool
	ExchangeName() string
	Kind() string
}

var (
	_ Facade = (*PubSubFacade)(nil)
	_ Facade = (*DirectFacade)(nil)
)

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager is a registry of exchange facades keyed by exchange name, one
// registry per kind. It starts and stops all of them together.
type Manager struct {
	mu      sync.RWMutex
	pubsubs []*PubSubFacade
	directs []*DirectFacade
	logger  *slog.Logger
}

// NewManager creates an empty manager
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// AddPubSub registers a pub/sub facade
func (m *Manager) AddPubSub(f *PubSubFacade) error {
	return m.AddPubSubs(f)
}

// AddPubSubs registers facades atomically: when any of them collides with
// a registered name or with another in the batch, none is added.
func (m *Manager) AddPubSubs(facades ...*PubSubFacade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateBatch(m.pubsubs, facades); err != nil {
		return err
	}
	m.pubsubs = append(m.pubsubs, facades...)
	return nil
}

// AddDirect registers a direct facade
func (m *Manager) AddDirect(f *DirectFacade) error {
	return m.AddDirects(f)
}

// AddDirects registers facades atomically, like AddPubSubs
func (m *Manager) AddDirects(facades ...*DirectFacade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateBatch(m.directs, facades); err != nil {
		return err
	}
	m.directs = append(m.directs, facades...)
	return nil
}

func validateBatch[F Facade](registered, batch []F) error {
	names := make(map[string]struct{}, len(registered)+len(batch))
	for _, f := range registered {
		names[f.ExchangeName()] = struct{}{}
	}

	for _, f := range batch {
		if isNilFacade(f) {
			return fmt.Errorf("%w: nil facade", rabbitmq.ErrInvalidConfiguration)
		}
		name := f.ExchangeName()
		if name == "" {
			return fmt.Errorf("%w: empty exchange name", rabbitmq.ErrInvalidConfiguration)
		}
		if _, exists := names[name]; exists {
			return fmt.Errorf("%w: %s exchange %q", ErrExchangeExists, f.Kind(), name)
		}
		names[name] = struct{}{}
	}
	return nil
}

func isNilFacade(f Facade) bool {
	switch v := f.(type) {
	case *PubSubFacade:
		return v == nil || v.exchangeFacade == nil
	case *DirectFacade:
		return v == nil || v.exchangeFacade == nil
	}
	return false
}

// PubSub returns the pub/sub facade registered under name
func (m *Manager) PubSub(name string) (*PubSubFacade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.pubsubs {
		if f.ExchangeName() == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: pub/sub exchange %q", ErrExchangeNotFound, name)
}

// Direct returns the direct facade registered under name
func (m *Manager) Direct(name string) (*DirectFacade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.directs {
		if f.ExchangeName() == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: direct exchange %q", ErrExchangeNotFound, name)
}

// Facades returns every registered facade, pub/sub first, in registration order
func (m *Manager) Facades() []Facade {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Facade, 0, len(m.pubsubs)+len(m.directs))
	for _, f := range m.pubsubs {
		all = append(all, f)
	}
	for _, f := range m.directs {
		all = append(all, f)
	}
	return all
}

// StartAll connects every facade. A failing facade does not prevent the
// others from being attempted; the failures are joined.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, f := range m.Facades() {
		if err := f.Connect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s exchange %s: %w", f.Kind(), f.ExchangeName(), err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error("failed to start all exchanges", "failed", len(errs), "error", err)
		return err
	}
	m.logger.Info("messaging manager started", "exchanges", len(m.Facades()))
	return nil
}

// StopAll closes every facade and joins the failures
func (m *Manager) StopAll() error {
	var errs []error
	for _, f := range m.Facades() {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s exchange %s: %w", f.Kind(), f.ExchangeName(), err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("errors while stopping exchanges", "error", err)
		return err
	}
	m.logger.Info("messaging manager stopped")
	return nil
}

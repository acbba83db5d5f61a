package workflow

import (
	"log/slog"
	"time"

	"cadence/internal/cache"
	"cadence/internal/config"
	"cadence/internal/ledger"
	"cadence/internal/logging"
	"cadence/internal/services"
	"cadence/internal/stage"
)

// Manager coordinates job preparation and stage execution.
type Manager struct {
	cfg      *config.Config
	registry *stage.Registry
	bodies   map[stage.ID]stage.Body
	cache    *cache.Manager
	ledger   *ledger.Store
	logger   *slog.Logger
	observer func(Event)
	now      func() time.Time
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithRegistry replaces the built-in stage table.
func WithRegistry(r *stage.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithCache sets the baseline cache; nil disables caching.
func WithCache(c *cache.Manager) Option {
	return func(m *Manager) { m.cache = c }
}

// WithLedger records job status in the ledger.
func WithLedger(l *ledger.Store) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithObserver receives stage transition events, e.g. for CLI progress.
func WithObserver(fn func(Event)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a workflow manager. The cache defaults to the one
// described by cfg; every stage in the registry must have a body.
func NewManager(cfg *config.Config, bodies map[stage.ID]stage.Body, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "workflow", "config is required", nil)
	}
	m := &Manager{
		cfg:      cfg,
		registry: stage.DefaultRegistry(),
		bodies:   bodies,
		logger:   logging.NewComponentLogger(logger, "workflow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.cache = cache.NewManager(cfg, logger)
	for _, opt := range opts {
		opt(m)
	}
	if err := m.registry.ValidateBodies(bodies); err != nil {
		return nil, err
	}
	return m, nil
}

// Cache returns the baseline cache, or nil when caching is disabled.
func (m *Manager) Cache() *cache.Manager { return m.cache }

// Package engine wires the entity layer together and owns its boot flow.
package engine

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/R3E-Network/entity_layer/internal/archetype"
	"github.com/R3E-Network/entity_layer/internal/cache"
	"github.com/R3E-Network/entity_layer/internal/config"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/hooks"
	"github.com/R3E-Network/entity_layer/internal/lifecycle"
	"github.com/R3E-Network/entity_layer/internal/lock"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/internal/query"
	"github.com/R3E-Network/entity_layer/internal/scheduler"
	"github.com/R3E-Network/entity_layer/internal/schema"
	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// Engine owns every subsystem of the entity layer. Applications construct
// one engine, register their component classes and archetypes, then Start.
type Engine struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	db          *sqlx.DB
	coordinator *lifecycle.Coordinator
	registry    *metadata.Registry
	schema      *schema.Manager
	dispatcher  *hooks.Dispatcher
	store       *entity.Store
	queries     *query.Factory
	archetypes  *archetype.Manager
	locks       *lock.Manager
	sched       *scheduler.Scheduler
	cache       cache.Provider

	pendingComponents []metadata.ComponentClass
}

// New builds an engine from configuration. The database is opened but not
// touched until Start.
func New(cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}

	db, err := sqlx.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetConnMaxIdleTime(cfg.Database.IdleTimeout)

	m := metrics.New()
	registry := metadata.NewRegistry()
	coordinator := lifecycle.NewCoordinator()
	dispatcher := hooks.NewDispatcher(registry, log.WithSubsystem("hooks"), m)
	store := entity.NewStore(db, registry, dispatcher, log.WithSubsystem("entity-store"), m)
	store.SetSaveTimeout(cfg.SaveTimeout)
	queries := query.NewFactory(db, registry, store, log.WithSubsystem("query"), m)
	schemaMgr := schema.NewManager(db, registry, log.WithSubsystem("schema"), m)
	archetypes := archetype.NewManager(registry, store, queries, log.WithSubsystem("archetype"))

	var locks *lock.Manager
	if cfg.Lock.Enabled {
		locks = lock.NewManager(db, lock.Config{
			KeyPrefix:     cfg.Lock.KeyPrefix,
			Timeout:       cfg.Lock.Timeout,
			RetryInterval: cfg.Lock.RetryInterval,
		}, log.WithSubsystem("lock"), m)
	}

	sched := scheduler.New(cfg.Scheduler, queries, locks, log.WithSubsystem("scheduler"), m)

	e := &Engine{
		cfg:         cfg,
		log:         log,
		metrics:     m,
		db:          db,
		coordinator: coordinator,
		registry:    registry,
		schema:      schemaMgr,
		dispatcher:  dispatcher,
		store:       store,
		queries:     queries,
		archetypes:  archetypes,
		locks:       locks,
		sched:       sched,
		cache:       buildCache(cfg.Cache, log),
	}
	return e, nil
}

// buildCache assembles the configured provider chain.
func buildCache(cfg config.CacheConfig, log *logger.Logger) cache.Provider {
	if !cfg.Enabled {
		return cache.NewNoop()
	}

	var provider cache.Provider
	switch cfg.Provider {
	case "redis":
		provider = cache.NewRedis(cache.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			DefaultTTL: cfg.DefaultTTL,
		}, log.WithSubsystem("cache"))
	case "noop":
		provider = cache.NewNoop()
	default:
		provider = cache.NewMemory(cache.MemoryConfig{
			DefaultTTL:     cfg.DefaultTTL,
			MaxEntries:     cfg.MaxEntries,
			MaxMemoryBytes: int64(cfg.MaxMemoryMB) << 20,
		})
	}

	if cfg.Strategy == "adaptive" {
		provider = cache.NewAdaptive(provider, cache.AdaptiveConfig{BaseTTL: cfg.DefaultTTL})
	}
	return provider
}

// RegisterComponent declares a component class. Before Start the class is
// queued; afterwards storage is provisioned immediately.
func (e *Engine) RegisterComponent(class metadata.ComponentClass) error {
	if !e.coordinator.Reached(lifecycle.PhaseDBReady) {
		e.pendingComponents = append(e.pendingComponents, class)
		return nil
	}
	return e.registerAndProvision(context.Background(), class)
}

func (e *Engine) registerAndProvision(ctx context.Context, class metadata.ComponentClass) error {
	if _, err := e.registry.RegisterComponent(class); err != nil {
		return err
	}
	registered, _ := e.registry.ComponentByName(class.Name)
	return e.schema.EnsureComponentStorage(ctx, registered)
}

// Start runs the boot flow: base schema, component registration and
// partition provisioning, then the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := e.schema.EnsureBaseSchema(ctx); err != nil {
		return err
	}
	if err := e.coordinator.Advance(lifecycle.PhaseDBReady); err != nil {
		return err
	}

	for _, class := range e.pendingComponents {
		if err := e.registerAndProvision(ctx, class); err != nil {
			return fmt.Errorf("register component %q: %w", class.Name, err)
		}
	}
	e.pendingComponents = nil
	if err := e.coordinator.Advance(lifecycle.PhaseComponentsReady); err != nil {
		return err
	}

	if e.cfg.Scheduler.Enabled {
		if err := e.sched.Start(ctx); err != nil {
			return err
		}
	}
	if err := e.coordinator.Advance(lifecycle.PhaseAppReady); err != nil {
		return err
	}

	e.log.WithField("phase", e.coordinator.Current()).Info("entity layer ready")
	return nil
}

// Stop shuts the engine down: scheduler first, then locks, cache, and the
// database pool.
func (e *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if err := e.sched.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.locks != nil {
		if err := e.locks.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Store returns the entity store.
func (e *Engine) Store() *entity.Store { return e.store }

// Query starts a new entity query.
func (e *Engine) Query() *query.Query { return e.queries.New() }

// Queries returns the query factory, e.g. for custom filter builders.
func (e *Engine) Queries() *query.Factory { return e.queries }

// Hooks returns the hook dispatcher.
func (e *Engine) Hooks() *hooks.Dispatcher { return e.dispatcher }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Archetypes returns the archetype manager.
func (e *Engine) Archetypes() *archetype.Manager { return e.archetypes }

// Registry returns the metadata registry.
func (e *Engine) Registry() *metadata.Registry { return e.registry }

// Cache returns the configured cache provider.
func (e *Engine) Cache() cache.Provider { return e.cache }

// Coordinator returns the lifecycle coordinator.
func (e *Engine) Coordinator() *lifecycle.Coordinator { return e.coordinator }

// DB exposes the underlying pool for collaborators layered on top.
func (e *Engine) DB() *sqlx.DB { return e.db }

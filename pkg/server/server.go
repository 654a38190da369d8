// Package server wires the engine: schema controller, auth factory, query
// planner, and write executor over a storage adapter and a cache adapter.
// Transport (HTTP routing, TLS, rate limiting) is a collaborator layered on
// top of this package, not part of it.
package server

import (
	"context"
	"time"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/cache"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/query"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/triggers"
	"github.com/objectstack/objectstack/pkg/types"
	"github.com/objectstack/objectstack/pkg/write"
)

// Config carries the engine-level knobs.
type Config struct {
	// SchemaCacheTTL bounds how long class schemas are served from cache.
	// Zero disables schema caching entirely.
	SchemaCacheTTL time.Duration

	// SessionCacheTTL bounds the session-token -> user mapping cache.
	SessionCacheTTL time.Duration

	// AllowClientClassCreation permits writes to create classes on the fly.
	AllowClientClassCreation bool
}

func DefaultConfig() Config {
	return Config{
		SchemaCacheTTL:           schema.DefaultCacheTTL,
		SessionCacheTTL:          5 * time.Minute,
		AllowClientClassCreation: true,
	}
}

// Engine is the authorization-aware query/write engine facade.
type Engine struct {
	store    storage.Adapter
	cache    cache.Adapter
	schemas  *schema.Controller
	factory  *auth.Factory
	planner  *query.Planner
	executor *write.Executor
	registry *triggers.Registry
	log      logger.Logger
}

func New(store storage.Adapter, cacheAdapter cache.Adapter, registry *triggers.Registry, log logger.Logger, cfg Config) *Engine {
	schemas := schema.NewController(store, schema.NewCache(cacheAdapter, cfg.SchemaCacheTTL), log)
	factory := auth.NewFactory(store, schemas, cacheAdapter, cfg.SessionCacheTTL, log)

	return &Engine{
		store:    store,
		cache:    cacheAdapter,
		schemas:  schemas,
		factory:  factory,
		planner:  query.NewPlanner(store, schemas, log, query.WithClientClassCreation(cfg.AllowClientClassCreation)),
		executor: write.NewExecutor(store, schemas, registry, factory, log, write.WithClientClassCreation(cfg.AllowClientClassCreation)),
		registry: registry,
		log:      log,
	}
}

// Auth exposes the auth factory so the transport can resolve request identity.
func (e *Engine) Auth() *auth.Factory {
	return e.factory
}

// Schemas exposes the schema controller.
func (e *Engine) Schemas() *schema.Controller {
	return e.schemas
}

// Find executes a declarative query.
func (e *Engine) Find(ctx context.Context, a *auth.Auth, className string, where types.Object, options map[string]any) (*query.Result, error) {
	return e.planner.Execute(ctx, a, className, where, options)
}

// Get fetches a single object by id.
func (e *Engine) Get(ctx context.Context, a *auth.Auth, className, objectID string) (types.Object, error) {
	result, err := e.planner.Execute(ctx, a, className,
		types.Object{types.FieldObjectID: objectID}, nil)
	if err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, apierrors.New(apierrors.ObjectNotFound, "Object not found.")
	}
	return result.Results[0], nil
}

// Create runs the write pipeline for a new object.
func (e *Engine) Create(ctx context.Context, a *auth.Auth, className string, data types.Object) (*write.Result, error) {
	return e.executor.Execute(ctx, a, className, "", data)
}

// Update runs the write pipeline against an existing object.
func (e *Engine) Update(ctx context.Context, a *auth.Auth, className, objectID string, data types.Object) (*write.Result, error) {
	if objectID == "" {
		return nil, apierrors.New(apierrors.MissingObjectID, "an objectId is required for update")
	}
	return e.executor.Execute(ctx, a, className, objectID, data)
}

// Delete removes an object, running delete triggers and session cleanup.
func (e *Engine) Delete(ctx context.Context, a *auth.Auth, className, objectID string) (*write.Result, error) {
	return e.executor.Delete(ctx, a, className, objectID)
}

// Close tears down shared resources.
func (e *Engine) Close() {
	e.store.Close()
	e.cache.Close()
}

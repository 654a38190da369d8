package schema

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/types"
)

// Loader is the slice of the storage adapter the schema controller needs.
type Loader interface {
	LoadSchema(ctx context.Context) ([]Class, error)
	SetClass(ctx context.Context, class Class) error
}

// Controller mediates schema access: reads go through the TTL cache, writes
// invalidate it. It is safe for concurrent use.
type Controller struct {
	loader Loader
	cache  *Cache
	log    logger.Logger
}

func NewController(loader Loader, cache *Cache, log logger.Logger) *Controller {
	return &Controller{loader: loader, cache: cache, log: log}
}

// AllClasses returns every known class, with implicit fields merged in.
func (c *Controller) AllClasses(ctx context.Context) ([]Class, error) {
	if cached, err := c.cache.GetAllClasses(ctx); err == nil && cached != nil {
		return cached, nil
	}
	classes, err := c.loader.LoadSchema(ctx)
	if err != nil {
		return nil, err
	}
	for i := range classes {
		classes[i] = classes[i].WithDefaults()
	}
	if err := c.cache.SetAllClasses(ctx, classes); err != nil {
		c.log.Warn("failed to cache schema", zap.Error(err))
	}
	return classes, nil
}

// Load returns the schema for className, and whether the class exists. For
// built-in classes a default schema is returned even when the class has never
// been written to.
func (c *Controller) Load(ctx context.Context, className string) (*Class, bool, error) {
	if cached, err := c.cache.GetOneSchema(ctx, className); err == nil && cached != nil {
		return cached, true, nil
	}
	classes, err := c.AllClasses(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range classes {
		if classes[i].ClassName == className {
			cls := classes[i]
			if err := c.cache.SetOneSchema(ctx, cls); err != nil {
				c.log.Warn("failed to cache schema", zap.Error(err), zap.String("class", className))
			}
			return &cls, true, nil
		}
	}
	if IsBuiltinClass(className) {
		cls := DefaultClass(className)
		return &cls, true, nil
	}
	return nil, false, nil
}

// EnsureFields grows className's schema to cover every field present on obj,
// creating the class if needed, and returns the resulting schema. Fields whose
// type cannot be inferred are skipped rather than failing the write.
func (c *Controller) EnsureFields(ctx context.Context, className string, obj types.Object) (*Class, error) {
	class, exists, err := c.Load(ctx, className)
	if err != nil {
		return nil, err
	}
	if !exists {
		cls := DefaultClass(className)
		class = &cls
	}

	changed := !exists
	for name, value := range obj {
		if value == nil {
			continue
		}
		if _, known := class.Fields[name]; known {
			continue
		}
		field, err := InferField(value)
		if err != nil {
			continue
		}
		class.Fields[name] = field
		changed = true
	}

	if changed {
		if err := c.loader.SetClass(ctx, *class); err != nil {
			return nil, err
		}
		if err := c.cache.Clear(ctx); err != nil {
			c.log.Warn("failed to invalidate schema cache", zap.Error(err))
		}
	}
	return class, nil
}

// Invalidate drops every cached schema entry. Called after class mutations.
func (c *Controller) Invalidate(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

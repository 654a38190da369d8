// Package triggers implements the server-side trigger registry invoked around
// object writes and deletes.
package triggers

import (
	"context"
	"sync"

	"github.com/objectstack/objectstack/pkg/types"
)

type Kind string

const (
	BeforeSave   Kind = "beforeSave"
	AfterSave    Kind = "afterSave"
	BeforeDelete Kind = "beforeDelete"
	AfterDelete  Kind = "afterDelete"
)

// Request carries the object a trigger fires for.
type Request struct {
	ClassName string
	Master    bool
	UserID    string
	Object    types.Object
	Original  types.Object // pre-update snapshot, nil on create
}

// Response lets a before trigger substitute the object being written.
type Response struct {
	Object types.Object
}

type Handler func(ctx context.Context, req *Request) (*Response, error)

// Registry maps (kind, className) to at most one handler. Safe for concurrent
// registration and dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func key(kind Kind, className string) string {
	return string(kind) + "." + className
}

func (r *Registry) Register(kind Kind, className string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(kind, className)] = handler
}

func (r *Registry) Unregister(kind Kind, className string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key(kind, className))
}

// MaybeRun invokes the handler for (kind, className) if one is registered.
// Returns (nil, nil) when there is nothing to run.
func (r *Registry) MaybeRun(ctx context.Context, kind Kind, className string, req *Request) (*Response, error) {
	r.mu.RLock()
	handler, ok := r.handlers[key(kind, className)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return handler(ctx, req)
}

// Package storage contains the storage adapter contract and shared helpers.
// Adapters translate engine finds/writes into a concrete backend; the engine
// never talks to a database directly.
package storage

import (
	"context"
	"errors"

	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/types"
)

var (
	// ErrNotFound is returned when a lookup or targeted write matches nothing.
	ErrNotFound = errors.New("object not found")

	// ErrUniquenessViolation is returned when a write would duplicate a value
	// covered by a uniqueness constraint.
	ErrUniquenessViolation = errors.New("uniqueness constraint violated")
)

// DefaultFindLimit caps result sets when the caller does not set a limit.
const DefaultFindLimit = 100

// FindOptions constrain a find. A nil ACL means the caller is the master key
// and no read filtering applies; a non-nil ACL restricts results to objects
// readable by at least one of the listed subjects.
type FindOptions struct {
	Skip  int64
	Limit int64
	Sort  map[string]int // field -> 1 ascending, -1 descending
	Keys  []string       // projection; empty means all fields
	ACL   []string
}

// WriteOptions constrain a targeted write. A nil ACL means master; otherwise
// the object must be writable by one of the listed subjects.
type WriteOptions struct {
	ACL []string
}

// Adapter is the pluggable storage backend contract.
type Adapter interface {
	schema.Loader

	// Find returns the objects of the class matching where, after applying
	// ACL filtering, sort, skip/limit, and key projection.
	Find(ctx context.Context, class schema.Class, where types.Object, opts FindOptions) ([]types.Object, error)

	// Count returns the number of matching objects, ignoring skip and limit.
	Count(ctx context.Context, class schema.Class, where types.Object, opts FindOptions) (int64, error)

	// Create inserts a new object. The object carries its objectId already.
	Create(ctx context.Context, class schema.Class, obj types.Object) error

	// Update applies update to the single object matching where and returns
	// the updated object. Returns ErrNotFound when nothing matches or the
	// caller may not write the matched object.
	Update(ctx context.Context, class schema.Class, where types.Object, update types.Object, opts WriteOptions) (types.Object, error)

	// Destroy deletes the objects matching where. Returns ErrNotFound when
	// nothing matched.
	Destroy(ctx context.Context, class schema.Class, where types.Object, opts WriteOptions) error

	// EnsureUniqueness installs (or verifies) a uniqueness constraint over the
	// given fields. Pre-existing duplicates surface as ErrUniquenessViolation.
	EnsureUniqueness(ctx context.Context, class schema.Class, fieldNames []string) error

	// RedirectClassNameForKey resolves the class a relation/pointer key of
	// className targets, or returns className unchanged.
	RedirectClassNameForKey(ctx context.Context, className, key string) (string, error)

	Close()
}

// Delete is the update operator that removes a field.
const OpDelete = "Delete"

// IsFieldDelete reports whether an update value is the field-delete operator.
func IsFieldDelete(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	op, _ := m["__op"].(string)
	return op == OpDelete
}

// Package memory provides an ephemeral in-memory storage adapter, used by the
// engine's tests and for local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/conditions"
	"github.com/objectstack/objectstack/pkg/types"
)

var tracer = otel.Tracer("objectstack/pkg/storage/memory")

// Datastore is a mutex-guarded in-memory implementation of [storage.Adapter].
// Instances may be safely shared by multiple goroutines.
type Datastore struct {
	mu      sync.RWMutex
	objects map[string]map[string]types.Object // className -> objectId -> object
	schemas map[string]schema.Class
	unique  map[string][][]string // className -> registered unique field sets
}

var _ storage.Adapter = (*Datastore)(nil)

func New() *Datastore {
	return &Datastore{
		objects: map[string]map[string]types.Object{},
		schemas: map[string]schema.Class{},
		unique:  map[string][][]string{},
	}
}

// readableBy reports whether obj may be read by one of the ACL subjects.
// Objects without an ACL are public; an empty ACL is master-only.
func readableBy(obj types.Object, subjects []string) bool {
	if subjects == nil {
		return true
	}
	acl, present := types.ACLFromObject(obj)
	if !present {
		return true
	}
	if acl[types.PublicScope].Read {
		return true
	}
	return acl.ReadableBy(subjects)
}

func writableBy(obj types.Object, subjects []string) bool {
	if subjects == nil {
		return true
	}
	acl, present := types.ACLFromObject(obj)
	if !present {
		return true
	}
	if acl[types.PublicScope].Write {
		return true
	}
	return acl.WritableBy(subjects)
}

func (d *Datastore) matching(class schema.Class, where types.Object, acl []string) ([]types.Object, error) {
	rows := d.objects[class.ClassName]
	var out []types.Object
	for _, obj := range rows {
		matched, err := conditions.Matches(obj, where)
		if err != nil {
			return nil, err
		}
		if matched && readableBy(obj, acl) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (d *Datastore) Find(ctx context.Context, class schema.Class, where types.Object, opts storage.FindOptions) ([]types.Object, error) {
	_, span := tracer.Start(ctx, "memory.Find")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.matching(class, where, opts.ACL)
	if err != nil {
		return nil, err
	}

	sortRows(rows, opts.Sort)

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(rows)) {
			rows = nil
		} else {
			rows = rows[opts.Skip:]
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultFindLimit
	}
	if int64(len(rows)) > limit {
		rows = rows[:limit]
	}

	out := make([]types.Object, 0, len(rows))
	for _, obj := range rows {
		out = append(out, project(types.DeepCopy(obj), opts.Keys))
	}
	return out, nil
}

func (d *Datastore) Count(ctx context.Context, class schema.Class, where types.Object, opts storage.FindOptions) (int64, error) {
	_, span := tracer.Start(ctx, "memory.Count")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.matching(class, where, opts.ACL)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (d *Datastore) Create(ctx context.Context, class schema.Class, obj types.Object) error {
	_, span := tracer.Start(ctx, "memory.Create")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	objectID, _ := obj[types.FieldObjectID].(string)
	if err := d.checkUnique(class.ClassName, obj, objectID); err != nil {
		return err
	}

	rows, ok := d.objects[class.ClassName]
	if !ok {
		rows = map[string]types.Object{}
		d.objects[class.ClassName] = rows
	}
	rows[objectID] = types.DeepCopy(obj)
	return nil
}

func (d *Datastore) Update(ctx context.Context, class schema.Class, where types.Object, update types.Object, opts storage.WriteOptions) (types.Object, error) {
	_, span := tracer.Start(ctx, "memory.Update")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	rows := d.objects[class.ClassName]
	for objectID, obj := range rows {
		matched, err := conditions.Matches(obj, where)
		if err != nil {
			return nil, err
		}
		if !matched || !writableBy(obj, opts.ACL) {
			continue
		}

		next := types.DeepCopy(obj)
		for field, value := range update {
			if storage.IsFieldDelete(value) {
				delete(next, field)
				continue
			}
			next[field] = deepCopyValue(value)
		}
		if err := d.checkUnique(class.ClassName, next, objectID); err != nil {
			return nil, err
		}
		rows[objectID] = next
		return types.DeepCopy(next), nil
	}
	return nil, storage.ErrNotFound
}

func (d *Datastore) Destroy(ctx context.Context, class schema.Class, where types.Object, opts storage.WriteOptions) error {
	_, span := tracer.Start(ctx, "memory.Destroy")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	rows := d.objects[class.ClassName]
	var victims []string
	for objectID, obj := range rows {
		matched, err := conditions.Matches(obj, where)
		if err != nil {
			return err
		}
		if matched && writableBy(obj, opts.ACL) {
			victims = append(victims, objectID)
		}
	}
	if len(victims) == 0 {
		return storage.ErrNotFound
	}
	for _, objectID := range victims {
		delete(rows, objectID)
	}
	return nil
}

func (d *Datastore) EnsureUniqueness(ctx context.Context, class schema.Class, fieldNames []string) error {
	_, span := tracer.Start(ctx, "memory.EnsureUniqueness")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := map[string]bool{}
	for _, obj := range d.objects[class.ClassName] {
		key := uniqueKey(obj, fieldNames)
		if key == "" {
			continue
		}
		if seen[key] {
			return storage.ErrUniquenessViolation
		}
		seen[key] = true
	}
	d.unique[class.ClassName] = append(d.unique[class.ClassName], fieldNames)
	return nil
}

func (d *Datastore) RedirectClassNameForKey(ctx context.Context, className, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	class, ok := d.schemas[className]
	if !ok {
		return className, nil
	}
	field, ok := class.Fields[key]
	if !ok || field.TargetClass == "" {
		return className, nil
	}
	return field.TargetClass, nil
}

func (d *Datastore) LoadSchema(ctx context.Context) ([]schema.Class, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]schema.Class, 0, len(d.schemas))
	for _, class := range d.schemas {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassName < out[j].ClassName })
	return out, nil
}

func (d *Datastore) SetClass(ctx context.Context, class schema.Class) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.schemas[class.ClassName] = class
	return nil
}

func (d *Datastore) Close() {}

// checkUnique enforces the registered uniqueness constraints for className
// against candidate, ignoring the row identified by selfID.
func (d *Datastore) checkUnique(className string, candidate types.Object, selfID string) error {
	for _, fields := range d.unique[className] {
		key := uniqueKey(candidate, fields)
		if key == "" {
			continue
		}
		for objectID, obj := range d.objects[className] {
			if objectID == selfID {
				continue
			}
			if uniqueKey(obj, fields) == key {
				return storage.ErrUniquenessViolation
			}
		}
	}
	return nil
}

func uniqueKey(obj types.Object, fields []string) string {
	key := ""
	for _, f := range fields {
		v, ok := obj[f].(string)
		if !ok || v == "" {
			return ""
		}
		key += f + "=" + v + ";"
	}
	return key
}

func sortRows(rows []types.Object, order map[string]int) {
	if len(order) == 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := rows[i][types.FieldObjectID].(string)
			b, _ := rows[j][types.FieldObjectID].(string)
			return a < b
		})
		return
	}
	fields := make([]string, 0, len(order))
	for f := range order {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			cmp := conditions.Compare(conditions.Lookup(rows[i], f), conditions.Lookup(rows[j], f))
			if cmp == 0 {
				continue
			}
			if order[f] < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func project(obj types.Object, keys []string) types.Object {
	if len(keys) == 0 {
		return obj
	}
	keep := map[string]bool{}
	for _, k := range keys {
		keep[k] = true
	}
	for field := range obj {
		if !keep[field] {
			delete(obj, field)
		}
	}
	return obj
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return types.DeepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

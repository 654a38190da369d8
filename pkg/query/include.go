package query

import (
	"context"
	"strings"
	"sync"

	"github.com/objectstack/objectstack/internal/concurrency"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/types"
)

// expandIncludes inflates pointer fields named by the include paths. Paths are
// processed strictly in prefix order, one at a time, so a parent path is fully
// inflated before any of its extensions; the per-target-class sub-finds within
// one path fan out concurrently.
func (p *Planner) expandIncludes(ctx context.Context, a *auth.Auth, class schema.Class, results []types.Object, opts *Options) error {
	var readACL []string
	if !a.IsMaster {
		group, err := a.ACLGroup(ctx)
		if err != nil {
			return err
		}
		readACL = readSubjects(a, group)
	}

	for _, path := range opts.Include {
		keys := includeProjection(opts, path)
		if err := p.expandIncludePath(ctx, readACL, a.IsMaster, results, path, keys); err != nil {
			return err
		}
	}
	return nil
}

// includeProjection narrows a sub-find to the requested keys continuing past
// path, reduced to their first segment since adapters project top-level
// fields. The next segment of any deeper include path is kept so its pointers
// survive. Nil means no keys constrain this path: fetch full objects.
func includeProjection(opts *Options, path []string) []string {
	if len(opts.Keys) == 0 {
		return nil
	}
	prefix := strings.Join(path, ".") + "."
	seen := map[string]bool{}
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range opts.Keys {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			add(strings.SplitN(rest, ".", 2)[0])
		}
	}
	if len(keys) == 0 {
		return nil
	}
	for _, other := range opts.Include {
		if len(other) > len(path) && strings.HasPrefix(strings.Join(other, ".")+".", prefix) {
			add(other[len(path)])
		}
	}
	add(types.FieldObjectID)
	add(types.FieldCreatedAt)
	add(types.FieldUpdatedAt)
	return keys
}

func (p *Planner) expandIncludePath(ctx context.Context, readACL []string, isMaster bool, results []types.Object, path []string, keys []string) error {
	// Gather every pointer sitting at the path across all rows.
	targets := map[string]map[string]bool{} // className -> objectId set
	for _, row := range results {
		for _, value := range valuesAtPath(row, path) {
			if className, objectID, ok := types.PointerTarget(value); ok {
				if targets[className] == nil {
					targets[className] = map[string]bool{}
				}
				targets[className][objectID] = true
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	// One sub-find per target class, gathered in parallel.
	var mu sync.Mutex
	inflated := map[string]types.Object{} // className/objectId -> object
	pool := concurrency.NewPool(ctx, maxIncludeFanout)
	for className, idSet := range targets {
		pool.Go(func(ctx context.Context) error {
			class, exists, err := p.schemas.Load(ctx, className)
			if err != nil || !exists {
				return err
			}
			ids := make([]any, 0, len(idSet))
			for objectID := range idSet {
				ids = append(ids, objectID)
			}
			rows, err := p.store.Find(ctx, *class, types.Object{
				types.FieldObjectID: types.Object{"$in": ids},
			}, storage.FindOptions{Limit: int64(len(ids)), ACL: readACL, Keys: keys})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, row := range rows {
				sanitizeUserFields(className, row, isMaster)
				row["__type"] = "Object"
				row["className"] = className
				objectID, _ := row[types.FieldObjectID].(string)
				inflated[className+"/"+objectID] = row
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	// Replace each pointer at the path with its inflated object. Pointers to
	// unreadable or missing targets stay as pointers.
	for _, row := range results {
		replaceAtPath(row, path, func(value any) any {
			if className, objectID, ok := types.PointerTarget(value); ok {
				if full, found := inflated[className+"/"+objectID]; found {
					return types.DeepCopy(full)
				}
			}
			return value
		})
	}
	return nil
}

// valuesAtPath returns the values reachable at path, descending through
// inflated objects and fanning out over arrays.
func valuesAtPath(obj types.Object, path []string) []any {
	current := []any{obj}
	for _, segment := range path {
		var next []any
		for _, v := range current {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			switch child := m[segment].(type) {
			case []any:
				next = append(next, child...)
			case nil:
			default:
				next = append(next, child)
			}
		}
		current = next
	}
	return current
}

// replaceAtPath applies fn to the values at path, writing results back in
// place (including inside arrays).
func replaceAtPath(obj types.Object, path []string, fn func(any) any) {
	holders := []map[string]any{obj}
	for _, segment := range path[:len(path)-1] {
		var next []map[string]any
		for _, holder := range holders {
			switch child := holder[segment].(type) {
			case map[string]any:
				next = append(next, child)
			case []any:
				for _, item := range child {
					if m, ok := item.(map[string]any); ok {
						next = append(next, m)
					}
				}
			}
		}
		holders = next
	}

	last := path[len(path)-1]
	for _, holder := range holders {
		switch child := holder[last].(type) {
		case []any:
			for i, item := range child {
				child[i] = fn(item)
			}
		case nil:
		default:
			holder[last] = fn(child)
		}
	}
}

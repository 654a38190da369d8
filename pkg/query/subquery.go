package query

import (
	"context"
	"sort"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/types"
)

// Reserved where-clause operators whose evaluation requires running a nested
// query first.
var subqueryOps = map[string]bool{
	"$inQuery":    true,
	"$notInQuery": true,
	"$select":     true,
	"$dontSelect": true,
}

// resolveSubqueries rewrites reserved sub-query operators into concrete
// $in/$nin constraints, one node at a time, repeating until the tree holds no
// reserved operator. Termination: each pass strictly removes one reserved key.
func (p *Planner) resolveSubqueries(ctx context.Context, a *auth.Auth, where types.Object) error {
	for {
		holder, op, ok := findSubqueryNode(where)
		if !ok {
			return nil
		}
		if err := p.rewriteSubqueryNode(ctx, a, holder, op); err != nil {
			return err
		}
	}
}

// findSubqueryNode locates the first constraint map containing a reserved
// operator, scanning keys in sorted order for deterministic left-to-right
// resolution.
func findSubqueryNode(node types.Object) (types.Object, string, bool) {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if subqueryOps[key] {
			return node, key, true
		}
		switch child := node[key].(type) {
		case map[string]any:
			if holder, op, ok := findSubqueryNode(child); ok {
				return holder, op, ok
			}
		case []any:
			for _, item := range child {
				if m, isMap := item.(map[string]any); isMap {
					if holder, op, ok := findSubqueryNode(m); ok {
						return holder, op, ok
					}
				}
			}
		}
	}
	return nil, "", false
}

func (p *Planner) rewriteSubqueryNode(ctx context.Context, a *auth.Auth, holder types.Object, op string) error {
	spec, ok := holder[op].(map[string]any)
	if !ok {
		return apierrors.Newf(apierrors.InvalidQuery, "improper usage of %s", op)
	}

	switch op {
	case "$inQuery", "$notInQuery":
		className, where, err := parseQuerySpec(op, spec, "where")
		if err != nil {
			return err
		}
		values, err := p.runSubquery(ctx, a, className, where, func(row types.Object) any {
			objectID, _ := row[types.FieldObjectID].(string)
			return types.NewPointer(className, objectID)
		})
		if err != nil {
			return err
		}
		target := "$in"
		if op == "$notInQuery" {
			target = "$nin"
		}
		delete(holder, op)
		appendConstraint(holder, target, values)

	case "$select", "$dontSelect":
		key, _ := spec["key"].(string)
		rawQuery, hasQuery := spec["query"].(map[string]any)
		if key == "" || !hasQuery || len(spec) != 2 {
			return apierrors.Newf(apierrors.InvalidQuery, "improper usage of %s", op)
		}
		className, where, err := parseQuerySpec(op, rawQuery, "where")
		if err != nil {
			return err
		}
		values, err := p.runSubquery(ctx, a, className, where, func(row types.Object) any {
			return row[key]
		})
		if err != nil {
			return err
		}
		target := "$in"
		if op == "$dontSelect" {
			target = "$nin"
		}
		delete(holder, op)
		appendConstraint(holder, target, values)
	}
	return nil
}

// parseQuerySpec enforces the exact {where, className} shape.
func parseQuerySpec(op string, spec map[string]any, whereKey string) (string, types.Object, error) {
	className, _ := spec["className"].(string)
	where, hasWhere := spec[whereKey].(map[string]any)
	if className == "" || !hasWhere || len(spec) != 2 {
		return "", nil, apierrors.Newf(apierrors.InvalidQuery, "improper usage of %s", op)
	}
	return className, where, nil
}

// runSubquery executes the nested query through a fresh planner call under the
// same auth context and extracts one value per result row.
func (p *Planner) runSubquery(ctx context.Context, a *auth.Auth, className string, where types.Object, extract func(types.Object) any) ([]any, error) {
	result, err := p.Execute(ctx, a, className, where, map[string]any{"limit": float64(subqueryLimit)})
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(result.Results))
	for _, row := range result.Results {
		if v := extract(row); v != nil {
			values = append(values, v)
		}
	}
	return values, nil
}

// subqueryLimit bounds the size of a nested query's result set.
const subqueryLimit = 10000

// appendConstraint merges values into holder[target], appending to any
// pre-existing array rather than replacing it.
func appendConstraint(holder types.Object, target string, values []any) {
	if existing, ok := holder[target].([]any); ok {
		holder[target] = append(existing, values...)
		return
	}
	holder[target] = values
}

// Package conditions evaluates REST where-clause trees against objects. It is
// shared by the memory adapter and by the SQL adapters for the operators they
// cannot push down to the database.
package conditions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/objectstack/objectstack/pkg/types"
)

// Matches reports whether obj satisfies the where tree. The tree must already
// have had its sub-query operators rewritten away; encountering one here is an
// error.
func Matches(obj types.Object, where types.Object) (bool, error) {
	for key, condition := range where {
		switch key {
		case "$or", "$and", "$nor":
			clauses, ok := condition.([]any)
			if !ok {
				return false, fmt.Errorf("%s requires an array of clauses", key)
			}
			matched, err := matchCompound(obj, key, clauses)
			if err != nil || !matched {
				return false, err
			}
		default:
			matched, err := matchField(lookupPath(obj, key), condition)
			if err != nil || !matched {
				return false, err
			}
		}
	}
	return true, nil
}

func matchCompound(obj types.Object, op string, clauses []any) (bool, error) {
	anyMatched := false
	for _, raw := range clauses {
		clause, ok := raw.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%s clause must be an object", op)
		}
		matched, err := Matches(obj, clause)
		if err != nil {
			return false, err
		}
		if matched {
			anyMatched = true
		} else if op == "$and" {
			return false, nil
		}
	}
	switch op {
	case "$and":
		return true, nil
	case "$nor":
		return !anyMatched, nil
	default: // $or
		return anyMatched, nil
	}
}

// Lookup resolves a possibly-dotted field path against obj.
func Lookup(obj types.Object, path string) any {
	return lookupPath(obj, path)
}

// lookupPath resolves a possibly-dotted field path against obj.
func lookupPath(obj types.Object, path string) any {
	segments := strings.Split(path, ".")
	var current any = obj
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[seg]
	}
	return current
}

func matchField(value any, condition any) (bool, error) {
	constraints, isConstraint := asConstraintMap(condition)
	if !isConstraint {
		return equalOrContains(value, condition), nil
	}

	for op, operand := range constraints {
		matched, err := applyOperator(value, op, operand)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

// asConstraintMap distinguishes an operator map like {"$lt": 5} from a plain
// object literal being compared for equality. Pointers and dates are literals.
func asConstraintMap(condition any) (map[string]any, bool) {
	m, ok := condition.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(value any, op string, operand any) (bool, error) {
	switch op {
	case "$eq":
		return equalOrContains(value, operand), nil
	case "$ne":
		return !equalOrContains(value, operand), nil
	case "$lt", "$lte", "$gt", "$gte":
		return compareOrdered(value, op, operand), nil
	case "$in":
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$in requires an array")
		}
		for _, item := range items {
			if equalOrContains(value, item) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$nin requires an array")
		}
		for _, item := range items {
			if equalOrContains(value, item) {
				return false, nil
			}
		}
		return true, nil
	case "$exists":
		want, _ := operand.(bool)
		return (value != nil) == want, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("$regex requires a string")
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid $regex: %w", err)
		}
		return re.MatchString(s), nil
	case "$all":
		items, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$all requires an array")
		}
		arr, ok := value.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range items {
			found := false
			for _, member := range arr {
				if valuesEqual(member, item) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	case "$inQuery", "$notInQuery", "$select", "$dontSelect":
		return false, fmt.Errorf("unresolved sub-query operator %s", op)
	default:
		return false, fmt.Errorf("unsupported operator %s", op)
	}
}

// equalOrContains implements REST equality: a scalar condition against an
// array field matches when the array contains the value.
func equalOrContains(value any, target any) bool {
	if arr, ok := value.([]any); ok {
		if _, targetIsArray := target.([]any); !targetIsArray {
			for _, member := range arr {
				if valuesEqual(member, target) {
					return true
				}
			}
			return false
		}
	}
	return valuesEqual(value, target)
}

func valuesEqual(a, b any) bool {
	if ac, ai, ok := types.PointerTarget(a); ok {
		bc, bi, ok := types.PointerTarget(b)
		return ok && ac == bc && ai == bi
	}
	if at, ok := types.DateValue(a); ok {
		if bt, ok := types.DateValue(b); ok {
			return at.Equal(bt)
		}
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !valuesEqual(v, bv[k]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareOrdered(value any, op string, operand any) bool {
	var cmp int
	if vt, ok := types.DateValue(value); ok {
		ot, ok := types.DateValue(operand)
		if !ok {
			return false
		}
		cmp = vt.Compare(ot)
	} else if vf, ok := toFloat(value); ok {
		of, ok := toFloat(operand)
		if !ok {
			return false
		}
		switch {
		case vf < of:
			cmp = -1
		case vf > of:
			cmp = 1
		}
	} else if vs, ok := value.(string); ok {
		os, ok := operand.(string)
		if !ok {
			return false
		}
		cmp = strings.Compare(vs, os)
	} else {
		return false
	}

	switch op {
	case "$lt":
		return cmp < 0
	case "$lte":
		return cmp <= 0
	case "$gt":
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Compare orders two field values for sorting. Nil sorts first.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if at, ok := types.DateValue(a); ok {
		if bt, ok := types.DateValue(b); ok {
			return at.Compare(bt)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	return 0
}

// Package types holds the REST-format object vocabulary shared by the query and
// write paths: objects are plain JSON maps, pointers and ACLs are conventions
// layered on top of them.
package types

import "time"

// Object is a REST-format object: a JSON map keyed by field name.
type Object = map[string]any

// Reserved field names stamped or interpreted by the engine.
const (
	FieldObjectID  = "objectId"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldACL       = "ACL"
)

// PublicScope is the ACL subject granting access to everyone.
const PublicScope = "*"

// RoleScope returns the ACL subject string for a role name.
func RoleScope(name string) string {
	return "role:" + name
}

// DeepCopy returns a copy of obj that shares no mutable state with the
// original. Write pipelines mutate their input in place, so callers hand in a
// copy to avoid aliasing the request body.
func DeepCopy(obj Object) Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopy(val)
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

// NewPointer builds a REST-format pointer to the given object.
func NewPointer(className, objectID string) Object {
	return Object{
		"__type":    "Pointer",
		"className": className,
		"objectId":  objectID,
	}
}

// PointerTarget reports the class and id a value points at, if the value is a
// REST-format pointer.
func PointerTarget(v any) (className, objectID string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", "", false
	}
	if t, _ := m["__type"].(string); t != "Pointer" {
		return "", "", false
	}
	className, _ = m["className"].(string)
	objectID, _ = m["objectId"].(string)
	if className == "" || objectID == "" {
		return "", "", false
	}
	return className, objectID, true
}

// IsPointer reports whether v is a REST-format pointer.
func IsPointer(v any) bool {
	_, _, ok := PointerTarget(v)
	return ok
}

// NewDate builds a REST-format date value.
func NewDate(t time.Time) Object {
	return Object{
		"__type": "Date",
		"iso":    t.UTC().Format(time.RFC3339Nano),
	}
}

// DateValue parses a REST-format date value.
func DateValue(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		return t, err == nil
	case map[string]any:
		if t, _ := val["__type"].(string); t != "Date" {
			return time.Time{}, false
		}
		iso, _ := val["iso"].(string)
		t, err := time.Parse(time.RFC3339Nano, iso)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

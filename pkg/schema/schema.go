// Package schema models class schemas, class-level permissions, and the TTL
// cache that fronts schema loads from storage.
package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/types"
)

// Field types understood by the engine.
const (
	TypeString   = "String"
	TypeNumber   = "Number"
	TypeBoolean  = "Boolean"
	TypeDate     = "Date"
	TypeObject   = "Object"
	TypeArray    = "Array"
	TypePointer  = "Pointer"
	TypeRelation = "Relation"
	TypeFile     = "File"
	TypeGeoPoint = "GeoPoint"
	TypeACL      = "ACL"
	TypeBytes    = "Bytes"
)

// Field describes one schema field. TargetClass is set for pointers and
// relations only.
type Field struct {
	Type        string `json:"type"`
	TargetClass string `json:"targetClass,omitempty"`
}

// CLP holds class-level permissions: operation name to the set of subjects
// allowed to perform it. An absent operation entry means public access.
// The special subject "requiresAuthentication" admits any signed-in user.
type CLP map[string]map[string]bool

// Class is an immutable snapshot of one class schema.
type Class struct {
	ClassName   string           `json:"className"`
	Fields      map[string]Field `json:"fields"`
	Permissions CLP              `json:"classLevelPermissions,omitempty"`
}

const RequiresAuthentication = "requiresAuthentication"

var classNameRE = regexp.MustCompile(`^(_[A-Za-z][A-Za-z0-9_]*|[A-Za-z][A-Za-z0-9_]*)$`)

// ValidClassName reports whether name is an acceptable class name. Leading
// underscores are reserved for built-in classes.
func ValidClassName(name string) bool {
	if !classNameRE.MatchString(name) {
		return false
	}
	if name[0] == '_' && !IsBuiltinClass(name) {
		return false
	}
	return true
}

func IsBuiltinClass(name string) bool {
	switch name {
	case ClassUser, ClassRole, ClassSession, ClassInstallation:
		return true
	}
	return false
}

// Built-in class names.
const (
	ClassUser         = "_User"
	ClassRole         = "_Role"
	ClassSession      = "_Session"
	ClassInstallation = "_Installation"
)

// defaultFields are stamped on every class.
func defaultFields() map[string]Field {
	return map[string]Field{
		"objectId":  {Type: TypeString},
		"createdAt": {Type: TypeDate},
		"updatedAt": {Type: TypeDate},
		"ACL":       {Type: TypeACL},
	}
}

// DefaultClass returns the implicit schema for className, including the
// built-in fields of the reserved classes.
func DefaultClass(className string) Class {
	fields := defaultFields()
	switch className {
	case ClassUser:
		fields["username"] = Field{Type: TypeString}
		fields["password"] = Field{Type: TypeString}
		fields["email"] = Field{Type: TypeString}
		fields["authData"] = Field{Type: TypeObject}
	case ClassRole:
		fields["name"] = Field{Type: TypeString}
		fields["users"] = Field{Type: TypeArray}
		fields["roles"] = Field{Type: TypeArray}
	case ClassSession:
		fields["user"] = Field{Type: TypePointer, TargetClass: ClassUser}
		fields["sessionToken"] = Field{Type: TypeString}
		fields["expiresAt"] = Field{Type: TypeDate}
		fields["createdWith"] = Field{Type: TypeObject}
		fields["installationId"] = Field{Type: TypeString}
	case ClassInstallation:
		fields["installationId"] = Field{Type: TypeString}
		fields["deviceToken"] = Field{Type: TypeString}
		fields["deviceType"] = Field{Type: TypeString}
		fields["channels"] = Field{Type: TypeArray}
		fields["appIdentifier"] = Field{Type: TypeString}
		fields["appVersion"] = Field{Type: TypeString}
	}
	return Class{ClassName: className, Fields: fields}
}

// WithDefaults returns c with the implicit fields merged in.
func (c Class) WithDefaults() Class {
	merged := DefaultClass(c.ClassName)
	for name, f := range c.Fields {
		merged.Fields[name] = f
	}
	merged.Permissions = c.Permissions
	return merged
}

// ValidateObject checks obj's fields against the class schema. Unknown fields
// are an error only in strict mode; type mismatches always are.
func (c Class) ValidateObject(obj types.Object, strict bool) error {
	for name, value := range obj {
		if value == nil {
			continue
		}
		field, known := c.Fields[name]
		if !known {
			if strict {
				return apierrors.Newf(apierrors.InvalidKeyName, "field %s does not exist on class %s", name, c.ClassName)
			}
			continue
		}
		if err := checkFieldValue(field, name, value); err != nil {
			return err
		}
	}
	return nil
}

func checkFieldValue(field Field, name string, value any) error {
	mismatch := func(want string) error {
		return apierrors.Newf(apierrors.IncorrectType, "invalid type for field %s, expected %s", name, want)
	}
	switch field.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return mismatch(TypeString)
		}
	case TypeNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return mismatch(TypeNumber)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return mismatch(TypeBoolean)
		}
	case TypeDate:
		if _, ok := types.DateValue(value); !ok {
			return mismatch(TypeDate)
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return mismatch(TypeArray)
		}
	case TypePointer:
		cls, _, ok := types.PointerTarget(value)
		if !ok {
			return mismatch(TypePointer)
		}
		if field.TargetClass != "" && cls != field.TargetClass {
			return apierrors.Newf(apierrors.IncorrectType, "pointer field %s expects class %s, got %s", name, field.TargetClass, cls)
		}
	case TypeObject, TypeACL:
		if _, ok := value.(map[string]any); !ok {
			return mismatch(TypeObject)
		}
	}
	return nil
}

// CheckPermission enforces the class-level permission for op against the
// caller's ACL group (the subjects attached to the request: "*", the user id,
// and the resolved role scopes). hasUser reports whether the caller is signed
// in, which satisfies requiresAuthentication.
func (c Class) CheckPermission(op string, aclGroup []string, hasUser bool) error {
	perms := c.Permissions[op]
	if len(perms) == 0 || perms[types.PublicScope] {
		return nil
	}
	if perms[RequiresAuthentication] && hasUser {
		return nil
	}
	for _, subject := range aclGroup {
		if perms[subject] {
			return nil
		}
	}
	return apierrors.Newf(apierrors.OperationForbidden,
		"permission denied for %s on class %s", op, c.ClassName)
}

// InferField guesses a field definition from a concrete value, used when
// client class creation expands a schema on first write.
func InferField(value any) (Field, error) {
	switch v := value.(type) {
	case string:
		return Field{Type: TypeString}, nil
	case bool:
		return Field{Type: TypeBoolean}, nil
	case float64, int, int64:
		return Field{Type: TypeNumber}, nil
	case []any:
		return Field{Type: TypeArray}, nil
	case map[string]any:
		if cls, _, ok := types.PointerTarget(v); ok {
			return Field{Type: TypePointer, TargetClass: cls}, nil
		}
		if _, ok := types.DateValue(v); ok {
			return Field{Type: TypeDate}, nil
		}
		return Field{Type: TypeObject}, nil
	case nil:
		return Field{}, fmt.Errorf("cannot infer field type from null")
	default:
		return Field{}, fmt.Errorf("cannot infer field type from %T", value)
	}
}

// Expiry policy for cached schema entries; see Cache.
const DefaultCacheTTL = 5 * time.Second

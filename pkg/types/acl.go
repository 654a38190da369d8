package types

// Permission is the read/write grant an ACL assigns to one subject.
type Permission struct {
	Read  bool
	Write bool
}

// ACL maps a subject ("*", a user objectId, or "role:<name>") to its grant.
// An empty non-nil ACL means master-key only.
type ACL map[string]Permission

// ACLFromObject extracts the ACL stored on a REST object. The second return is
// false when the object carries no ACL field at all, which callers treat as
// public access. A present but malformed ACL parses to an empty ACL, which
// locks the object down to the master key rather than opening it up.
func ACLFromObject(obj Object) (ACL, bool) {
	raw, present := obj[FieldACL]
	if !present {
		return nil, false
	}
	acl := ACL{}
	m, ok := raw.(map[string]any)
	if !ok {
		return acl, true
	}
	for subject, grant := range m {
		gm, ok := grant.(map[string]any)
		if !ok {
			continue
		}
		var p Permission
		if r, _ := gm["read"].(bool); r {
			p.Read = true
		}
		if w, _ := gm["write"].(bool); w {
			p.Write = true
		}
		acl[subject] = p
	}
	return acl, true
}

// ReadableBy reports whether any of the given subjects may read under this ACL.
func (a ACL) ReadableBy(subjects []string) bool {
	for _, s := range subjects {
		if a[s].Read {
			return true
		}
	}
	return false
}

// WritableBy reports whether any of the given subjects may write under this ACL.
func (a ACL) WritableBy(subjects []string) bool {
	for _, s := range subjects {
		if a[s].Write {
			return true
		}
	}
	return false
}

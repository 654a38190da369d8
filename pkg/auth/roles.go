package auth

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/types"
)

var tracer = otel.Tracer("objectstack/pkg/auth")

// rolesQueryLimit bounds each role-expansion query. Role graphs are expected
// to be far smaller than this.
const rolesQueryLimit = 10000

type nodeState int

const (
	stateUnvisited nodeState = iota
	stateProcessing
	stateRejected
	stateAccepted
)

// roleNode is a transient node in the role graph built per resolution call.
// Edges point child to parent: a node's parents are the roles containing it.
type roleNode struct {
	objectID string
	name     string
	acl      types.ACL
	hasACL   bool
	direct   bool // the user is a direct member
	parents  map[string]struct{}
	state    nodeState
}

// RoleResolver computes the transitive closure of role names a user belongs
// to. Role accessibility is governed by the roles' own ACLs: a role counts
// only when it is reachable through an ACL-readable chain, and acceptance of
// one role can retroactively validate roles rejected earlier in the walk.
type RoleResolver struct {
	store   storage.Adapter
	schemas *schema.Controller
	log     logger.Logger
}

func NewRoleResolver(store storage.Adapter, schemas *schema.Controller, log logger.Logger) *RoleResolver {
	return &RoleResolver{store: store, schemas: schemas, log: log}
}

// ResolveRoles returns the sorted set of "role:<name>" scopes for userID.
func (r *RoleResolver) ResolveRoles(ctx context.Context, userID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ResolveRoles")
	defer span.End()

	roleClass, _, err := r.schemas.Load(ctx, schema.ClassRole)
	if err != nil {
		return nil, err
	}

	nodes, err := r.expandGraph(ctx, *roleClass, userID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	walk := newGraphWalk(userID, nodes)
	for id := range nodes {
		walk.access(id)
	}

	scopes := make([]string, 0, len(walk.accepted))
	for name := range walk.accepted {
		scopes = append(scopes, types.RoleScope(name))
	}
	sort.Strings(scopes)

	r.log.Debug("resolved roles",
		zap.String("user", userID),
		zap.Int("discovered", len(nodes)),
		zap.Int("accepted", len(scopes)))
	return scopes, nil
}

// expandGraph fetches the user's direct roles and then breadth-first expands
// parent roles (roles whose "roles" relation contains an already-discovered
// role) until a layer discovers nothing new.
func (r *RoleResolver) expandGraph(ctx context.Context, roleClass schema.Class, userID string) (map[string]*roleNode, error) {
	opts := storage.FindOptions{Limit: rolesQueryLimit}

	direct, err := r.store.Find(ctx, roleClass, types.Object{
		"users": types.NewPointer(schema.ClassUser, userID),
	}, opts)
	if err != nil {
		return nil, err
	}

	nodes := map[string]*roleNode{}
	layer := make([]string, 0, len(direct))
	for _, row := range direct {
		node := newRoleNode(row)
		if node == nil || nodes[node.objectID] != nil {
			continue
		}
		node.direct = true
		nodes[node.objectID] = node
		layer = append(layer, node.objectID)
	}

	for len(layer) > 0 {
		pointers := make([]any, 0, len(layer))
		for _, roleID := range layer {
			pointers = append(pointers, types.NewPointer(schema.ClassRole, roleID))
		}

		parents, err := r.store.Find(ctx, roleClass, types.Object{
			"roles": types.Object{"$in": pointers},
		}, opts)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, row := range parents {
			parent := newRoleNode(row)
			if parent == nil {
				continue
			}
			if existing, ok := nodes[parent.objectID]; ok {
				parent = existing
			} else {
				nodes[parent.objectID] = parent
				next = append(next, parent.objectID)
			}
			// Every discovered role this parent contains gains a child->parent edge.
			children, _ := row["roles"].([]any)
			for _, ref := range children {
				if _, childID, ok := types.PointerTarget(ref); ok {
					if child, ok := nodes[childID]; ok && childID != parent.objectID {
						child.parents[parent.objectID] = struct{}{}
					}
				}
			}
		}
		layer = next
	}

	return nodes, nil
}

func newRoleNode(row types.Object) *roleNode {
	objectID, _ := row[types.FieldObjectID].(string)
	name, _ := row["name"].(string)
	if objectID == "" || name == "" {
		return nil
	}
	acl, hasACL := types.ACLFromObject(row)
	return &roleNode{
		objectID: objectID,
		name:     name,
		acl:      acl,
		hasACL:   hasACL,
		parents:  map[string]struct{}{},
	}
}

// graphWalk is the tri-state access computation over the discovered role
// graph. A node revisited while in the processing state is treated as
// rejected for that path, which breaks cycles; the blame map records which
// acceptance would retroactively validate a rejected node, so acceptances
// cascade backwards through earlier rejections.
type graphWalk struct {
	userID   string
	nodes    map[string]*roleNode
	byName   map[string]string // role name -> objectID
	accepted map[string]struct{}
	blame    map[string][]string // blamed node -> nodes rejected because of it
}

func newGraphWalk(userID string, nodes map[string]*roleNode) *graphWalk {
	byName := make(map[string]string, len(nodes))
	for id, n := range nodes {
		byName[n.name] = id
	}
	return &graphWalk{
		userID:   userID,
		nodes:    nodes,
		byName:   byName,
		accepted: map[string]struct{}{},
		blame:    map[string][]string{},
	}
}

func (w *graphWalk) access(id string) nodeState {
	n := w.nodes[id]
	switch n.state {
	case stateAccepted, stateRejected:
		return n.state
	case stateProcessing:
		// Cycle: never re-enter. The caller records blame so a later
		// acceptance of this node re-validates the rejected path.
		return stateRejected
	}
	n.state = stateProcessing

	if !w.parentsAllow(n, true) {
		n.state = stateRejected
		return stateRejected
	}

	if w.aclAllows(n) {
		n.state = stateAccepted
		w.accept(n)
		return stateAccepted
	}

	// The ACL may become satisfiable once a role it names is accepted.
	for subject, perm := range n.acl {
		if !perm.Read || !strings.HasPrefix(subject, "role:") {
			continue
		}
		if blamedID, ok := w.byName[strings.TrimPrefix(subject, "role:")]; ok {
			w.blame[blamedID] = append(w.blame[blamedID], id)
		}
	}
	n.state = stateRejected
	return stateRejected
}

// parentsAllow computes the parent result. Direct-membership roles are walk
// roots: the user's own membership satisfies the parent requirement, which
// also seeds acceptance inside containment cycles. Otherwise it is the OR
// over the parents' access, short-circuiting on the first acceptance. When
// recurse is false only already-settled parent states count, which is what
// re-acceptance passes use.
func (w *graphWalk) parentsAllow(n *roleNode, recurse bool) bool {
	if n.direct || len(n.parents) == 0 {
		return true
	}
	ok := false
	for parentID := range n.parents {
		var res nodeState
		if recurse {
			res = w.access(parentID)
		} else {
			res = w.nodes[parentID].state
		}
		if res == stateAccepted {
			ok = true
			break
		}
		w.blame[parentID] = append(w.blame[parentID], n.objectID)
	}
	return ok
}

// aclAllows reports whether the role's own ACL makes it visible to the user:
// readable by the public, the user id, the role itself, or any role already
// accepted. A missing, empty, or corrupt ACL rejects (master-key only).
func (w *graphWalk) aclAllows(n *roleNode) bool {
	if !n.hasACL || len(n.acl) == 0 {
		return false
	}
	subjects := []string{types.PublicScope, w.userID, types.RoleScope(n.name)}
	for name := range w.accepted {
		subjects = append(subjects, types.RoleScope(name))
	}
	return n.acl.ReadableBy(subjects)
}

// accept records the role name and re-walks this node's blame list: any
// dependent rejected earlier whose parent chain and ACL are now satisfiable
// flips to accepted, recursively, since re-acceptance can cascade.
func (w *graphWalk) accept(n *roleNode) {
	if _, done := w.accepted[n.name]; done {
		return
	}
	w.accepted[n.name] = struct{}{}

	for _, depID := range w.blame[n.objectID] {
		dep := w.nodes[depID]
		if dep.state != stateRejected {
			continue
		}
		if w.parentsAllow(dep, false) && w.aclAllows(dep) {
			dep.state = stateAccepted
			w.accept(dep)
		}
	}
}

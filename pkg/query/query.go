// Package query compiles declarative queries into authorized backend finds:
// option validation, ACL injection, sub-query rewriting, and include
// expansion.
package query

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/types"
)

var tracer = otel.Tracer("objectstack/pkg/query")

var queriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "objectstack",
	Name:      "queries_executed_total",
	Help:      "Number of find operations executed, by class.",
}, []string{"class"})

// maxIncludeFanout bounds the parallel per-class sub-finds issued while
// inflating one include path.
const maxIncludeFanout = 10

// Planner executes declarative queries with injected authorization.
type Planner struct {
	store                    storage.Adapter
	schemas                  *schema.Controller
	log                      logger.Logger
	allowClientClassCreation bool
}

type PlannerOpt func(*Planner)

// WithClientClassCreation controls whether queries against unknown classes
// are allowed (returning empty results) or rejected.
func WithClientClassCreation(allowed bool) PlannerOpt {
	return func(p *Planner) {
		p.allowClientClassCreation = allowed
	}
}

func NewPlanner(store storage.Adapter, schemas *schema.Controller, log logger.Logger, opts ...PlannerOpt) *Planner {
	p := &Planner{
		store:                    store,
		schemas:                  schemas,
		log:                      log,
		allowClientClassCreation: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the outcome of one query execution.
type Result struct {
	Results []types.Object `json:"results"`
	Count   *int64         `json:"count,omitempty"`
}

// Options is the recognized query option vocabulary, parsed and validated
// from the wire map.
type Options struct {
	Skip        int64
	Limit       int64
	Order       map[string]int
	Count       bool
	Keys        []string
	Include     [][]string // dotted paths, split into segments
	RedirectKey string
}

var recognizedOptions = map[string]bool{
	"skip":                    true,
	"limit":                   true,
	"order":                   true,
	"count":                   true,
	"keys":                    true,
	"include":                 true,
	"redirectClassNameForKey": true,
	"where":                   true,
}

// ParseOptions validates the wire option map. Unknown keys are rejected; the
// returned where is non-nil when the map carried one (possibly JSON-encoded).
func ParseOptions(raw map[string]any) (*Options, types.Object, error) {
	opts := &Options{Limit: storage.DefaultFindLimit}
	var where types.Object

	for key, value := range raw {
		if !recognizedOptions[key] {
			return nil, nil, apierrors.Newf(apierrors.InvalidJSON, "bad option: %s", key)
		}
		switch key {
		case "skip":
			n, ok := toInt(value)
			if !ok || n < 0 {
				return nil, nil, apierrors.New(apierrors.InvalidQuery, "skip must be a non-negative integer")
			}
			opts.Skip = n
		case "limit":
			n, ok := toInt(value)
			if !ok || n < 0 {
				return nil, nil, apierrors.New(apierrors.InvalidQuery, "limit must be a non-negative integer")
			}
			opts.Limit = n
		case "count":
			b, ok := value.(bool)
			if !ok {
				if n, isNum := toInt(value); isNum {
					b = n != 0
				} else {
					return nil, nil, apierrors.New(apierrors.InvalidQuery, "count must be a boolean")
				}
			}
			opts.Count = b
		case "order":
			s, ok := value.(string)
			if !ok {
				return nil, nil, apierrors.New(apierrors.InvalidQuery, "order must be a string")
			}
			opts.Order = parseOrder(s)
		case "keys":
			s, ok := value.(string)
			if !ok {
				return nil, nil, apierrors.New(apierrors.InvalidQuery, "keys must be a string")
			}
			opts.Keys = parseKeys(s)
		case "include":
			s, ok := value.(string)
			if !ok {
				return nil, nil, apierrors.New(apierrors.InvalidQuery, "include must be a string")
			}
			opts.Include = parseInclude(s)
		case "redirectClassNameForKey":
			s, ok := value.(string)
			if !ok {
				return nil, nil, apierrors.New(apierrors.InvalidQuery, "redirectClassNameForKey must be a string")
			}
			opts.RedirectKey = s
		case "where":
			switch w := value.(type) {
			case map[string]any:
				where = w
			case string:
				if err := json.Unmarshal([]byte(w), &where); err != nil {
					return nil, nil, apierrors.New(apierrors.InvalidJSON, "where must be valid JSON")
				}
			default:
				return nil, nil, apierrors.New(apierrors.InvalidJSON, "where must be a JSON object")
			}
		}
	}
	return opts, where, nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// parseOrder turns "-score,name" into {"score": -1, "name": 1}.
func parseOrder(s string) map[string]int {
	order := map[string]int{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.HasPrefix(field, "-") {
			order[field[1:]] = -1
		} else {
			order[field] = 1
		}
	}
	return order
}

// parseKeys splits a comma list and forces the implicit keys in.
func parseKeys(s string) []string {
	seen := map[string]bool{}
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range strings.Split(s, ",") {
		add(strings.TrimSpace(k))
	}
	add(types.FieldObjectID)
	add(types.FieldCreatedAt)
	add(types.FieldUpdatedAt)
	return keys
}

// parseInclude expands "a,a.b" into deduplicated segment paths sorted so that
// shorter paths come before their extensions.
func parseInclude(s string) [][]string {
	seen := map[string]bool{}
	var paths [][]string
	for _, path := range strings.Split(s, ",") {
		path = strings.TrimSpace(path)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, strings.Split(path, "."))
	}
	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return strings.Join(paths[i], ".") < strings.Join(paths[j], ".")
	})
	return paths
}

// Execute runs the query under the given auth context.
func (p *Planner) Execute(ctx context.Context, a *auth.Auth, className string, where types.Object, rawOptions map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "query.Execute")
	defer span.End()

	opts, optionWhere, err := ParseOptions(rawOptions)
	if err != nil {
		return nil, err
	}
	if optionWhere != nil {
		where = optionWhere
	}
	if where == nil {
		where = types.Object{}
	}
	where = types.DeepCopy(where)

	if opts.RedirectKey != "" {
		redirected, err := p.store.RedirectClassNameForKey(ctx, className, opts.RedirectKey)
		if err != nil {
			return nil, err
		}
		className = redirected
	}

	class, exists, err := p.schemas.Load(ctx, className)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !p.allowClientClassCreation {
			return nil, apierrors.Newf(apierrors.OperationForbidden,
				"This user is not allowed to access non-existent class: %s", className)
		}
		return &Result{Results: []types.Object{}}, nil
	}

	findOpts := storage.FindOptions{
		Skip:  opts.Skip,
		Limit: opts.Limit,
		Sort:  opts.Order,
		Keys:  keysForFind(opts),
	}

	if !a.IsMaster {
		if className == schema.ClassSession && a.User == nil {
			return nil, apierrors.New(apierrors.InvalidSessionToken, "Invalid session token")
		}
		group, err := a.ACLGroup(ctx)
		if err != nil {
			return nil, err
		}
		if err := class.CheckPermission("find", group, a.User != nil); err != nil {
			return nil, err
		}
		findOpts.ACL = readSubjects(a, group)

		// Non-master session queries only ever see the caller's own sessions.
		if className == schema.ClassSession {
			where = types.Object{"$and": []any{
				where,
				types.Object{"user": types.NewPointer(schema.ClassUser, a.UserID())},
			}}
		}
	}

	if err := p.resolveSubqueries(ctx, a, where); err != nil {
		return nil, err
	}

	results, err := p.store.Find(ctx, *class, where, findOpts)
	if err != nil {
		return nil, err
	}
	queriesExecuted.WithLabelValues(className).Inc()

	out := &Result{Results: results}
	if opts.Count {
		countOpts := findOpts
		countOpts.Skip = 0
		countOpts.Limit = 0
		count, err := p.store.Count(ctx, *class, where, countOpts)
		if err != nil {
			return nil, err
		}
		out.Count = &count
	}

	if len(opts.Include) > 0 {
		if err := p.expandIncludes(ctx, a, *class, out.Results, opts); err != nil {
			return nil, err
		}
	}

	for _, obj := range out.Results {
		sanitizeUserFields(className, obj, a.IsMaster)
	}
	return out, nil
}

// keysForFind widens an explicit key projection with the root segment of each
// include path, so the pointers to inflate survive the projection.
func keysForFind(opts *Options) []string {
	if len(opts.Keys) == 0 {
		return nil
	}
	keys := opts.Keys
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	for _, path := range opts.Include {
		if !seen[path[0]] {
			seen[path[0]] = true
			keys = append(keys, path[0])
		}
	}
	return keys
}

// readSubjects builds the read-constraint set: the user id plus resolved role
// scopes. The public grant is honored by the storage layer itself, so "*" is
// not part of the constraint set, and the set form dedupes by construction.
func readSubjects(a *auth.Auth, aclGroup []string) []string {
	subjects := make([]string, 0, len(aclGroup))
	seen := map[string]bool{}
	for _, s := range aclGroup {
		if s == types.PublicScope || seen[s] {
			continue
		}
		seen[s] = true
		subjects = append(subjects, s)
	}
	if len(subjects) == 0 {
		// Anonymous callers still need a non-nil constraint so the adapter
		// does not treat the find as a master read.
		subjects = []string{}
	}
	return subjects
}

// sanitizeUserFields strips sensitive fields from user rows for non-masters.
func sanitizeUserFields(className string, obj types.Object, isMaster bool) {
	if className != schema.ClassUser || isMaster {
		return
	}
	delete(obj, "sessionToken")
	delete(obj, "authData")
	delete(obj, "_hashed_password")
}

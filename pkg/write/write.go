// Package write runs the ordered create/update pipeline: schema validation,
// built-in-class specialization, triggers, auth-data linking, user transform,
// persistence, and follow-up side effects.
package write

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/triggers"
	"github.com/objectstack/objectstack/pkg/types"
)

var tracer = otel.Tracer("objectstack/pkg/write")

var writesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "objectstack",
	Name:      "writes_executed_total",
	Help:      "Number of write operations executed, by class and kind.",
}, []string{"class", "kind"})

// Executor runs the write pipeline.
type Executor struct {
	store                    storage.Adapter
	schemas                  *schema.Controller
	registry                 *triggers.Registry
	factory                  *auth.Factory
	log                      logger.Logger
	allowClientClassCreation bool
	userUniqueness           sync.Once
}

type ExecutorOpt func(*Executor)

// WithClientClassCreation controls whether writes may create new classes.
func WithClientClassCreation(allowed bool) ExecutorOpt {
	return func(e *Executor) {
		e.allowClientClassCreation = allowed
	}
}

func NewExecutor(store storage.Adapter, schemas *schema.Controller, registry *triggers.Registry, factory *auth.Factory, log logger.Logger, opts ...ExecutorOpt) *Executor {
	e := &Executor{
		store:                    store,
		schemas:                  schemas,
		registry:                 registry,
		factory:                  factory,
		log:                      log,
		allowClientClassCreation: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of a write.
type Result struct {
	Status   int
	Response types.Object
	Location string
}

// writeContext carries one write operation through the pipeline phases. Each
// phase may short-circuit the remainder by populating response.
type writeContext struct {
	e            *Executor
	auth         *auth.Auth
	class        *schema.Class
	className    string
	objectID     string
	create       bool // cleared only when a create resolves into an update
	data         types.Object
	originalData types.Object // pre-update snapshot, nil on create
	writeACL     []string     // nil for master
	aclGroup     []string
	sessionToken string // stashed for the signup response
	mergedCreate bool   // create resolved into an update of an existing row
	response     *Result
}

func (w *writeContext) isCreate() bool {
	return w.create
}

// Execute runs the pipeline. An empty objectID creates; otherwise updates.
// data is deep-copied so the caller's map is never aliased.
func (e *Executor) Execute(ctx context.Context, a *auth.Auth, className, objectID string, data types.Object) (*Result, error) {
	ctx, span := tracer.Start(ctx, "write.Execute")
	defer span.End()

	if a.IsReadOnly {
		return nil, apierrors.New(apierrors.OperationForbidden,
			"read-only masterKey isn't allowed to perform the create/update operation.")
	}

	w := &writeContext{
		e:         e,
		auth:      a,
		className: className,
		objectID:  objectID,
		create:    objectID == "",
		data:      types.DeepCopy(data),
	}

	phases := []func(context.Context) error{
		w.resolveACL,
		w.validateSchema,
		w.handleSpecialClasses,
		w.runBeforeSaveTrigger,
		w.validateAuthData,
		w.transformUser,
		w.persist,
		w.runFollowUps,
	}
	for _, phase := range phases {
		if w.response != nil {
			break
		}
		if err := phase(ctx); err != nil {
			return nil, err
		}
	}
	if w.response == nil {
		return nil, apierrors.New(apierrors.InternalServerError, "write pipeline produced no response")
	}

	// afterSave always runs last; its failure never fails the write.
	w.runAfterSaveTrigger(ctx)

	kind := "update"
	if objectID == "" {
		kind = "create"
	}
	writesExecuted.WithLabelValues(className, kind).Inc()
	return w.response, nil
}

// resolveACL attaches the caller's write constraint and ACL group, resolving
// roles through the shared per-context memoization.
func (w *writeContext) resolveACL(ctx context.Context) error {
	group, err := w.auth.ACLGroup(ctx)
	if err != nil {
		return err
	}
	w.aclGroup = group
	if !w.auth.IsMaster {
		subjects := make([]string, 0, len(group))
		for _, s := range group {
			if s != types.PublicScope {
				subjects = append(subjects, s)
			}
		}
		if subjects == nil {
			subjects = []string{}
		}
		w.writeACL = subjects
	}
	return nil
}

// validateSchema loads (growing, if permitted) the class schema, checks the
// class-level permission, validates field types, and stamps the objectId for
// creates. Reserved fields supplied by the client are dropped.
func (w *writeContext) validateSchema(ctx context.Context) error {
	if !schema.ValidClassName(w.className) {
		return apierrors.Newf(apierrors.InvalidClassName, "invalid class name: %s", w.className)
	}

	delete(w.data, types.FieldCreatedAt)
	delete(w.data, types.FieldUpdatedAt)
	if w.isCreate() {
		delete(w.data, types.FieldObjectID)
	}

	_, exists, err := w.e.schemas.Load(ctx, w.className)
	if err != nil {
		return err
	}
	if !exists && !w.e.allowClientClassCreation && !w.auth.IsMaster {
		return apierrors.Newf(apierrors.OperationForbidden,
			"This user is not allowed to access non-existent class: %s", w.className)
	}

	class, err := w.e.schemas.EnsureFields(ctx, w.className, w.data)
	if err != nil {
		return err
	}
	w.class = class

	if !w.auth.IsMaster {
		op := "update"
		if w.isCreate() {
			op = "create"
		}
		if err := class.CheckPermission(op, w.aclGroup, w.auth.User != nil); err != nil {
			return err
		}
	}

	if err := class.ValidateObject(w.data, false); err != nil {
		return err
	}

	if w.isCreate() {
		objectID, err := id.NewObjectID()
		if err != nil {
			return err
		}
		w.objectID = objectID
		w.data[types.FieldObjectID] = objectID
	} else {
		// Updates need the original row for trigger payloads and follow-ups.
		original, err := w.fetchOriginal(ctx)
		if err != nil {
			return err
		}
		w.originalData = original
	}
	return nil
}

func (w *writeContext) fetchOriginal(ctx context.Context) (types.Object, error) {
	rows, err := w.e.store.Find(ctx, *w.class, types.Object{types.FieldObjectID: w.objectID},
		storage.FindOptions{Limit: 1, ACL: w.writeACL})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierrors.New(apierrors.ObjectNotFound, "Object not found.")
	}
	return rows[0], nil
}

// handleSpecialClasses applies built-in-class invariants before triggers run.
func (w *writeContext) handleSpecialClasses(ctx context.Context) error {
	switch w.className {
	case schema.ClassRole:
		return w.handleRole()
	case schema.ClassSession:
		return w.handleSession()
	case schema.ClassInstallation:
		return w.handleInstallation(ctx)
	case schema.ClassUser:
		if !w.isCreate() && !w.auth.IsMaster && w.auth.UserID() != w.objectID {
			return apierrors.New(apierrors.SessionMissing, "Cannot modify user.")
		}
	}
	return nil
}

func (w *writeContext) handleRole() error {
	if w.isCreate() {
		name, _ := w.data["name"].(string)
		if name == "" {
			return apierrors.New(apierrors.InvalidRoleName, "Invalid role name.")
		}
		return nil
	}
	if _, present := w.data["name"]; present {
		return apierrors.New(apierrors.InvalidRoleName, "Cannot modify the name of a role.")
	}
	return nil
}

func (w *writeContext) handleSession() error {
	if !w.auth.IsMaster && w.auth.User == nil {
		return apierrors.New(apierrors.InvalidSessionToken, "Session token required.")
	}
	if w.isCreate() {
		if _, present := w.data["sessionToken"]; !present {
			token, err := id.NewSessionToken()
			if err != nil {
				return err
			}
			w.data["sessionToken"] = token
		}
		if _, present := w.data["user"]; !present && w.auth.User != nil {
			w.data["user"] = types.NewPointer(schema.ClassUser, w.auth.UserID())
		}
		if _, present := w.data["expiresAt"]; !present {
			w.data["expiresAt"] = types.NewDate(time.Now().AddDate(1, 0, 0))
		}
	}
	return nil
}

// runBeforeSaveTrigger may substitute the object being written; substitutions
// never reassign identity.
func (w *writeContext) runBeforeSaveTrigger(ctx context.Context) error {
	resp, err := w.e.registry.MaybeRun(ctx, triggers.BeforeSave, w.className, &triggers.Request{
		ClassName: w.className,
		Master:    w.auth.IsMaster,
		UserID:    w.auth.UserID(),
		Object:    w.data,
		Original:  w.originalData,
	})
	if err != nil {
		return err
	}
	if resp != nil && resp.Object != nil {
		replacement := types.DeepCopy(resp.Object)
		delete(replacement, types.FieldCreatedAt)
		delete(replacement, types.FieldUpdatedAt)
		// Triggers must not reassign identity.
		replacement[types.FieldObjectID] = w.objectID
		w.data = replacement
	}
	return nil
}

// persist stamps timestamps and hands the object to the storage adapter.
func (w *writeContext) persist(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	w.data[types.FieldUpdatedAt] = now

	if w.isCreate() {
		w.data[types.FieldCreatedAt] = now
		if err := w.e.store.Create(ctx, *w.class, w.data); err != nil {
			return w.mapPersistError(ctx, err)
		}
		response := types.Object{
			types.FieldObjectID:  w.objectID,
			types.FieldCreatedAt: now,
		}
		if w.sessionToken != "" {
			response["sessionToken"] = w.sessionToken
		}
		w.response = &Result{
			Status:   http.StatusCreated,
			Response: response,
			Location: fmt.Sprintf("/classes/%s/%s", w.className, w.objectID),
		}
		return nil
	}

	update := types.DeepCopy(w.data)
	delete(update, types.FieldObjectID)
	delete(update, types.FieldCreatedAt)
	_, err := w.e.store.Update(ctx, *w.class, types.Object{types.FieldObjectID: w.objectID}, update,
		storage.WriteOptions{ACL: w.writeACL})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierrors.New(apierrors.ObjectNotFound, "Object not found.")
		}
		return w.mapPersistError(ctx, err)
	}
	response := types.Object{types.FieldUpdatedAt: now}
	if w.mergedCreate {
		response[types.FieldObjectID] = w.objectID
	}
	if w.sessionToken != "" {
		response["sessionToken"] = w.sessionToken
	}
	w.response = &Result{Status: http.StatusOK, Response: response}
	return nil
}

// mapPersistError turns adapter uniqueness failures into the class-specific
// client error.
func (w *writeContext) mapPersistError(ctx context.Context, err error) error {
	if !errors.Is(err, storage.ErrUniquenessViolation) {
		return err
	}
	if w.className == schema.ClassUser {
		if username, _ := w.data["username"].(string); username != "" {
			taken, findErr := w.userFieldTaken(ctx, "username", username)
			if findErr == nil && taken {
				return apierrors.New(apierrors.UsernameTaken, "Account already exists for this username.")
			}
		}
		return apierrors.New(apierrors.EmailTaken, "Account already exists for this email address.")
	}
	return apierrors.New(apierrors.DuplicateValue, "A duplicate value for a field with unique values was provided")
}

// runFollowUps handles post-persist side effects. A password change revokes
// every session of the user, forcing re-authentication.
func (w *writeContext) runFollowUps(ctx context.Context) error {
	if w.className != schema.ClassUser || w.isCreate() {
		return nil
	}
	if _, changed := w.data["_hashed_password"]; !changed {
		return nil
	}
	return w.e.destroyUserSessions(ctx, w.objectID)
}

// destroyUserSessions removes every session row for userID, looping until a
// find turns up nothing, and drops the cached token mappings as it goes.
func (e *Executor) destroyUserSessions(ctx context.Context, userID string) error {
	sessionClass, _, err := e.schemas.Load(ctx, schema.ClassSession)
	if err != nil {
		return err
	}
	where := types.Object{"user": types.NewPointer(schema.ClassUser, userID)}
	for {
		rows, err := e.store.Find(ctx, *sessionClass, where, storage.FindOptions{Limit: 100})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if token, _ := row["sessionToken"].(string); token != "" {
				e.factory.InvalidateSessionToken(ctx, token)
			}
		}
		if err := e.store.Destroy(ctx, *sessionClass, where, storage.WriteOptions{}); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
	}
}

func (w *writeContext) runAfterSaveTrigger(ctx context.Context) {
	full := types.DeepCopy(w.data)
	_, err := w.e.registry.MaybeRun(ctx, triggers.AfterSave, w.className, &triggers.Request{
		ClassName: w.className,
		Master:    w.auth.IsMaster,
		UserID:    w.auth.UserID(),
		Object:    full,
		Original:  w.originalData,
	})
	if err != nil {
		w.e.log.Warn("afterSave trigger failed",
			zap.String("class", w.className),
			zap.String("objectId", w.objectID),
			zap.Error(err))
	}
}

package write

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/cache"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/memory"
	"github.com/objectstack/objectstack/pkg/triggers"
	"github.com/objectstack/objectstack/pkg/types"
)

type fixture struct {
	store    *memory.Datastore
	executor *Executor
	factory  *auth.Factory
	registry *triggers.Registry
}

func newFixture(t *testing.T, opts ...ExecutorOpt) *fixture {
	t.Helper()
	store := memory.New()
	backing, err := cache.NewInMemoryCache()
	require.NoError(t, err)
	t.Cleanup(backing.Close)

	log := logger.NewNoopLogger()
	schemas := schema.NewController(store, schema.NewCache(backing, 0), log)
	factory := auth.NewFactory(store, schemas, backing, time.Minute, log)
	registry := triggers.NewRegistry()
	return &fixture{
		store:    store,
		executor: NewExecutor(store, schemas, registry, factory, log, opts...),
		factory:  factory,
		registry: registry,
	}
}

func (f *fixture) findOne(t *testing.T, className string, where types.Object) types.Object {
	t.Helper()
	rows, err := f.store.Find(context.Background(), schema.DefaultClass(className), where, storage.FindOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func (f *fixture) count(t *testing.T, className string, where types.Object) int64 {
	t.Helper()
	n, err := f.store.Count(context.Background(), schema.DefaultClass(className), where, storage.FindOptions{})
	require.NoError(t, err)
	return n
}

func TestCreateStampsIdentityAndTimestamps(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(10), "createdAt": "client-junk"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, result.Status)

	objectID, _ := result.Response["objectId"].(string)
	require.True(t, id.IsValidObjectID(objectID))
	require.Equal(t, "/classes/Game/"+objectID, result.Location)
	require.Contains(t, result.Response, "createdAt")

	row := f.findOne(t, "Game", types.Object{"objectId": objectID})
	require.Equal(t, float64(10), row["score"])
	require.NotEqual(t, "client-junk", row["createdAt"])
	_, err = time.Parse(time.RFC3339Nano, row["createdAt"].(string))
	require.NoError(t, err)
}

func TestUpdateRequiresExistingObject(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "missing",
		types.Object{"score": float64(1)})
	require.True(t, apierrors.HasCode(err, apierrors.ObjectNotFound))
}

func TestReadOnlyMasterRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.ReadOnlyMaster(), "Game", "",
		types.Object{"score": float64(1)})
	require.True(t, apierrors.HasCode(err, apierrors.OperationForbidden))
}

func TestInvalidClassName(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"", "9lives", "_NotBuiltin", "has space"} {
		_, err := f.executor.Execute(context.Background(), f.factory.Master(), name, "", types.Object{})
		require.True(t, apierrors.HasCode(err, apierrors.InvalidClassName), "class %q", name)
	}
}

func TestClientClassCreationDisabled(t *testing.T) {
	f := newFixture(t, WithClientClassCreation(false))

	_, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), "Fresh", "",
		types.Object{"a": float64(1)})
	require.True(t, apierrors.HasCode(err, apierrors.OperationForbidden))

	// The master key may still create classes.
	_, err = f.executor.Execute(context.Background(), f.factory.Master(), "Fresh", "",
		types.Object{"a": float64(1)})
	require.NoError(t, err)
}

func TestSignupPipeline(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Anonymous("install-1"), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "hunter2"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, result.Status)

	// The response carries a fresh session token and never the password.
	token, _ := result.Response["sessionToken"].(string)
	require.True(t, id.IsSessionToken(token))
	require.NotContains(t, result.Response, "password")

	userID, _ := result.Response["objectId"].(string)
	row := f.findOne(t, schema.ClassUser, types.Object{"objectId": userID})
	require.NotContains(t, row, "password")
	hash, _ := row["_hashed_password"].(string)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	// The signup session row exists and points at the new user.
	session := f.findOne(t, schema.ClassSession, types.Object{"sessionToken": token})
	_, sessUserID, ok := types.PointerTarget(session["user"])
	require.True(t, ok)
	require.Equal(t, userID, sessUserID)
	createdWith, _ := session["createdWith"].(map[string]any)
	require.Equal(t, "signup", createdWith["action"])
	require.Equal(t, "password", createdWith["authProvider"])
	require.Equal(t, "install-1", session["installationId"])
}

func TestSignupRequiresCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"password": "x"})
	require.True(t, apierrors.HasCode(err, apierrors.UsernameMissing))

	_, err = f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice"})
	require.True(t, apierrors.HasCode(err, apierrors.PasswordMissing))
}

func TestSignupUsernameTaken(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "one"})
	require.NoError(t, err)

	_, err = f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "two"})
	require.True(t, apierrors.HasCode(err, apierrors.UsernameTaken))
}

func TestSignupEmailTaken(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "one", "email": "a@example.com"})
	require.NoError(t, err)

	_, err = f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "bob", "password": "two", "email": "a@example.com"})
	require.True(t, apierrors.HasCode(err, apierrors.EmailTaken))
}

func TestAuthDataSignup(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"authData": map[string]any{"github": map[string]any{"id": "gh-1"}}})
	require.NoError(t, err)
	userID, _ := result.Response["objectId"].(string)

	// A synthetic lowercase username was generated.
	row := f.findOne(t, schema.ClassUser, types.Object{"objectId": userID})
	username, _ := row["username"].(string)
	require.NotEmpty(t, username)
	require.Equal(t, strings.ToLower(username), username)

	// The same identity on a different user is rejected.
	_, err = f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"authData": map[string]any{"github": map[string]any{"id": "gh-1"}}})
	require.True(t, apierrors.HasCode(err, apierrors.AccountAlreadyLinked))
}

func TestUserCannotModifyForeignUser(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "one"})
	require.NoError(t, err)
	aliceID, _ := result.Response["objectId"].(string)

	_, err = f.executor.Execute(context.Background(), f.factory.ForUser("someone-else", "", ""),
		schema.ClassUser, aliceID, types.Object{"email": "evil@example.com"})
	require.True(t, apierrors.HasCode(err, apierrors.SessionMissing))
	require.ErrorContains(t, err, "Cannot modify user.")
}

func TestPasswordChangeRevokesSessions(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "one"})
	require.NoError(t, err)
	userID, _ := result.Response["objectId"].(string)
	require.EqualValues(t, 1, f.count(t, schema.ClassSession, types.Object{}))

	_, err = f.executor.Execute(context.Background(), f.factory.Master(), schema.ClassUser, userID,
		types.Object{"password": "newpass"})
	require.NoError(t, err)
	require.EqualValues(t, 0, f.count(t, schema.ClassSession, types.Object{}))

	row := f.findOne(t, schema.ClassUser, types.Object{"objectId": userID})
	hash, _ := row["_hashed_password"].(string)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("newpass")))
}

func TestRoleNameRules(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.Master(), schema.ClassRole, "",
		types.Object{"users": []any{}})
	require.True(t, apierrors.HasCode(err, apierrors.InvalidRoleName))

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), schema.ClassRole, "",
		types.Object{"name": "admins"})
	require.NoError(t, err)
	roleID, _ := result.Response["objectId"].(string)

	_, err = f.executor.Execute(context.Background(), f.factory.Master(), schema.ClassRole, roleID,
		types.Object{"name": "renamed"})
	require.True(t, apierrors.HasCode(err, apierrors.InvalidRoleName))
	require.ErrorContains(t, err, "Cannot modify the name of a role.")
}

func TestSessionCreateAutofills(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassSession, "",
		types.Object{})
	require.True(t, apierrors.HasCode(err, apierrors.InvalidSessionToken))

	_, err = f.executor.Execute(context.Background(), f.factory.ForUser("u1", "r:tok", ""), schema.ClassSession, "",
		types.Object{})
	require.NoError(t, err)

	row := f.findOne(t, schema.ClassSession, types.Object{})
	token, _ := row["sessionToken"].(string)
	require.True(t, id.IsSessionToken(token))
	_, sessUserID, ok := types.PointerTarget(row["user"])
	require.True(t, ok)
	require.Equal(t, "u1", sessUserID)
	expires, ok := types.DateValue(row["expiresAt"])
	require.True(t, ok)
	require.True(t, expires.After(time.Now()))
}

func TestBeforeSaveSubstitution(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(triggers.BeforeSave, "Game", func(_ context.Context, req *triggers.Request) (*triggers.Response, error) {
		obj := types.DeepCopy(req.Object)
		obj["reviewed"] = true
		obj["objectId"] = "hijacked"
		return &triggers.Response{Object: obj}, nil
	})

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(5)})
	require.NoError(t, err)

	objectID, _ := result.Response["objectId"].(string)
	require.NotEqual(t, "hijacked", objectID, "triggers must not reassign identity")
	row := f.findOne(t, "Game", types.Object{"objectId": objectID})
	require.Equal(t, true, row["reviewed"])
}

func TestBeforeSaveErrorAborts(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(triggers.BeforeSave, "Game", func(context.Context, *triggers.Request) (*triggers.Response, error) {
		return nil, apierrors.New(apierrors.ValidationError, "nope")
	})

	_, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(5)})
	require.True(t, apierrors.HasCode(err, apierrors.ValidationError))
	require.EqualValues(t, 0, f.count(t, "Game", types.Object{}))
}

func TestAfterSaveFailureSwallowed(t *testing.T) {
	f := newFixture(t)
	var fired bool
	f.registry.Register(triggers.AfterSave, "Game", func(context.Context, *triggers.Request) (*triggers.Response, error) {
		fired = true
		return nil, apierrors.New(apierrors.InternalServerError, "boom")
	})

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(5)})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, result.Status)
	require.True(t, fired)
}

func TestUpdateFieldTypeMismatch(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(5)})
	require.NoError(t, err)
	objectID, _ := result.Response["objectId"].(string)

	// "score" was inferred as Number; writing a string to it must fail.
	_, err = f.executor.Execute(context.Background(), f.factory.Master(), "Game", objectID,
		types.Object{"score": "a lot"})
	require.True(t, apierrors.HasCode(err, apierrors.IncorrectType))
}

func TestUpdateRespectsWriteACL(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Note", "",
		types.Object{"body": "x", "ACL": map[string]any{"u1": map[string]any{"read": true, "write": true}}})
	require.NoError(t, err)
	objectID, _ := result.Response["objectId"].(string)

	_, err = f.executor.Execute(context.Background(), f.factory.ForUser("u2", "", ""), "Note", objectID,
		types.Object{"body": "y"})
	require.True(t, apierrors.HasCode(err, apierrors.ObjectNotFound))

	_, err = f.executor.Execute(context.Background(), f.factory.ForUser("u1", "", ""), "Note", objectID,
		types.Object{"body": "y"})
	require.NoError(t, err)
}

// uniquenessCountingStore wraps the memory adapter to count EnsureUniqueness calls.
type uniquenessCountingStore struct {
	storage.Adapter
	calls atomic.Int64
}

func (s *uniquenessCountingStore) EnsureUniqueness(ctx context.Context, class schema.Class, fields []string) error {
	s.calls.Add(1)
	return s.Adapter.EnsureUniqueness(ctx, class, fields)
}

func TestEachExecutorRegistersUserUniqueness(t *testing.T) {
	ctx := context.Background()

	// Two independent executors over two independent stores: each must
	// register the username and email constraints against its own store.
	for _, name := range []string{"first", "second"} {
		store := &uniquenessCountingStore{Adapter: memory.New()}
		backing, err := cache.NewInMemoryCache()
		require.NoError(t, err)
		t.Cleanup(backing.Close)

		log := logger.NewNoopLogger()
		schemas := schema.NewController(store, schema.NewCache(backing, 0), log)
		factory := auth.NewFactory(store, schemas, backing, time.Minute, log)
		executor := NewExecutor(store, schemas, triggers.NewRegistry(), factory, log)

		_, err = executor.Execute(ctx, factory.Anonymous(""), schema.ClassUser, "",
			types.Object{"username": "alice", "password": "hunter2"})
		require.NoError(t, err, name)
		require.Equal(t, int64(2), store.calls.Load(),
			"%s executor must register the username and email constraints", name)
	}
}

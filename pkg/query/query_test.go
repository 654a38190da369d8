package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/cache"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage/memory"
	"github.com/objectstack/objectstack/pkg/types"
)

type fixture struct {
	store   *memory.Datastore
	planner *Planner
	factory *auth.Factory
}

func newFixture(t *testing.T, opts ...PlannerOpt) *fixture {
	t.Helper()
	store := memory.New()
	backing, err := cache.NewInMemoryCache()
	require.NoError(t, err)
	t.Cleanup(backing.Close)

	log := logger.NewNoopLogger()
	schemas := schema.NewController(store, schema.NewCache(backing, 0), log)
	return &fixture{
		store:   store,
		planner: NewPlanner(store, schemas, log, opts...),
		factory: auth.NewFactory(store, schemas, backing, time.Minute, log),
	}
}

func (f *fixture) defineClass(t *testing.T, className string, fields map[string]schema.Field) {
	t.Helper()
	require.NoError(t, f.store.SetClass(context.Background(), schema.Class{
		ClassName: className,
		Fields:    fields,
	}))
}

func (f *fixture) seed(t *testing.T, className string, rows ...types.Object) {
	t.Helper()
	class := schema.DefaultClass(className)
	for _, row := range rows {
		require.NoError(t, f.store.Create(context.Background(), class, row))
	}
}

func TestParseOptionsRejectsUnknownKey(t *testing.T) {
	_, _, err := ParseOptions(map[string]any{"explain": true})
	require.True(t, apierrors.HasCode(err, apierrors.InvalidJSON))
	require.ErrorContains(t, err, "bad option: explain")
}

func TestParseOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		code apierrors.Code
	}{
		{"negative skip", map[string]any{"skip": float64(-1)}, apierrors.InvalidQuery},
		{"non-numeric limit", map[string]any{"limit": "10"}, apierrors.InvalidQuery},
		{"bad count", map[string]any{"count": "yes"}, apierrors.InvalidQuery},
		{"bad order", map[string]any{"order": 5}, apierrors.InvalidQuery},
		{"bad include", map[string]any{"include": []any{"a"}}, apierrors.InvalidQuery},
		{"bad where json", map[string]any{"where": "{not json"}, apierrors.InvalidJSON},
		{"bad where type", map[string]any{"where": 42}, apierrors.InvalidJSON},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseOptions(tc.raw)
			require.True(t, apierrors.HasCode(err, tc.code), "got %v", err)
		})
	}
}

func TestParseOptionsOrderKeysInclude(t *testing.T) {
	opts, where, err := ParseOptions(map[string]any{
		"order":   "-score, name",
		"keys":    "name,score",
		"include": "b.c,a,b",
		"where":   `{"score":{"$gt":5}}`,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"score": -1, "name": 1}, opts.Order)
	require.Equal(t, []string{"name", "score", "objectId", "createdAt", "updatedAt"}, opts.Keys)
	// Shorter paths sort before their extensions.
	require.Equal(t, [][]string{{"a"}, {"b"}, {"b", "c"}}, opts.Include)
	require.Equal(t, types.Object{"score": map[string]any{"$gt": float64(5)}}, where)
}

func TestExecuteEquality(t *testing.T) {
	f := newFixture(t)
	f.defineClass(t, "Game", map[string]schema.Field{"score": {Type: schema.TypeNumber}})
	f.seed(t, "Game",
		types.Object{"objectId": "g1", "score": float64(10)},
		types.Object{"objectId": "g2", "score": float64(20)},
	)

	result, err := f.planner.Execute(context.Background(), f.factory.Master(), "Game",
		types.Object{"score": float64(20)}, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.Equal(t, "g2", result.Results[0]["objectId"])
	require.Nil(t, result.Count)
}

func TestExecuteUnknownClass(t *testing.T) {
	f := newFixture(t)

	result, err := f.planner.Execute(context.Background(), f.factory.Master(), "Nothing", nil, nil)
	require.NoError(t, err)
	require.Empty(t, result.Results)

	strict := newFixture(t, WithClientClassCreation(false))
	_, err = strict.planner.Execute(context.Background(), strict.factory.Master(), "Nothing", nil, nil)
	require.True(t, apierrors.HasCode(err, apierrors.OperationForbidden))
}

func TestExecuteACLFiltering(t *testing.T) {
	f := newFixture(t)
	f.defineClass(t, "Note", nil)
	f.seed(t, "Note",
		types.Object{"objectId": "public"},
		types.Object{"objectId": "mine", "ACL": map[string]any{"u1": map[string]any{"read": true}}},
		types.Object{"objectId": "locked", "ACL": map[string]any{}},
	)

	ids := func(result *Result) []string {
		var out []string
		for _, row := range result.Results {
			out = append(out, row["objectId"].(string))
		}
		return out
	}

	result, err := f.planner.Execute(context.Background(), f.factory.Master(), "Note", nil,
		map[string]any{"order": "objectId"})
	require.NoError(t, err)
	require.Equal(t, []string{"locked", "mine", "public"}, ids(result))

	result, err = f.planner.Execute(context.Background(), f.factory.ForUser("u1", "", ""), "Note", nil,
		map[string]any{"order": "objectId"})
	require.NoError(t, err)
	require.Equal(t, []string{"mine", "public"}, ids(result))

	result, err = f.planner.Execute(context.Background(), f.factory.Anonymous(""), "Note", nil,
		map[string]any{"order": "objectId"})
	require.NoError(t, err)
	require.Equal(t, []string{"public"}, ids(result))
}

func TestExecuteClassLevelPermission(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetClass(context.Background(), schema.Class{
		ClassName:   "Secret",
		Permissions: schema.CLP{"find": {"role:admins": true}},
	}))

	_, err := f.planner.Execute(context.Background(), f.factory.Anonymous(""), "Secret", nil, nil)
	require.True(t, apierrors.HasCode(err, apierrors.OperationForbidden))

	_, err = f.planner.Execute(context.Background(), f.factory.Master(), "Secret", nil, nil)
	require.NoError(t, err)
}

func TestExecuteCountStripsWindow(t *testing.T) {
	f := newFixture(t)
	f.defineClass(t, "Game", nil)
	f.seed(t, "Game",
		types.Object{"objectId": "g1"},
		types.Object{"objectId": "g2"},
		types.Object{"objectId": "g3"},
	)

	result, err := f.planner.Execute(context.Background(), f.factory.Master(), "Game", nil,
		map[string]any{"limit": float64(1), "skip": float64(1), "count": true, "order": "objectId"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.Equal(t, "g2", result.Results[0]["objectId"])
	require.NotNil(t, result.Count)
	require.EqualValues(t, 3, *result.Count)
}

func TestExecuteKeysProjection(t *testing.T) {
	f := newFixture(t)
	f.defineClass(t, "Game", nil)
	f.seed(t, "Game", types.Object{"objectId": "g1", "score": float64(1), "title": "x"})

	result, err := f.planner.Execute(context.Background(), f.factory.Master(), "Game", nil,
		map[string]any{"keys": "title"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.Equal(t, "x", result.Results[0]["title"])
	require.NotContains(t, result.Results[0], "score")
	require.Equal(t, "g1", result.Results[0]["objectId"])
}

func TestExecuteSessionQueriesScopedToOwnUser(t *testing.T) {
	f := newFixture(t)
	f.seed(t, schema.ClassSession,
		types.Object{"objectId": "s1", "sessionToken": "r:one", "user": types.NewPointer(schema.ClassUser, "u1")},
		types.Object{"objectId": "s2", "sessionToken": "r:two", "user": types.NewPointer(schema.ClassUser, "u2")},
	)

	_, err := f.planner.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassSession, nil, nil)
	require.True(t, apierrors.HasCode(err, apierrors.InvalidSessionToken))

	result, err := f.planner.Execute(context.Background(), f.factory.ForUser("u1", "r:one", ""), schema.ClassSession, nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.Equal(t, "s1", result.Results[0]["objectId"])

	result, err = f.planner.Execute(context.Background(), f.factory.Master(), schema.ClassSession, nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
}

func TestExecuteSanitizesUserFields(t *testing.T) {
	f := newFixture(t)
	f.seed(t, schema.ClassUser, types.Object{
		"objectId":         "u1",
		"username":         "alice",
		"sessionToken":     "r:leak",
		"authData":         map[string]any{"github": map[string]any{"id": "x"}},
		"_hashed_password": "$2a$10$x",
	})

	result, err := f.planner.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	row := result.Results[0]
	require.Equal(t, "alice", row["username"])
	require.NotContains(t, row, "sessionToken")
	require.NotContains(t, row, "authData")
	require.NotContains(t, row, "_hashed_password")

	result, err = f.planner.Execute(context.Background(), f.factory.Master(), schema.ClassUser, nil, nil)
	require.NoError(t, err)
	require.Contains(t, result.Results[0], "_hashed_password")
}

func TestExecuteRedirectClassNameForKey(t *testing.T) {
	f := newFixture(t)
	f.defineClass(t, "Post", map[string]schema.Field{
		"author": {Type: schema.TypePointer, TargetClass: schema.ClassUser},
	})
	f.seed(t, schema.ClassUser, types.Object{"objectId": "u1", "username": "alice"})

	result, err := f.planner.Execute(context.Background(), f.factory.Master(), "Post", nil,
		map[string]any{"redirectClassNameForKey": "author"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.Equal(t, "alice", result.Results[0]["username"])
}

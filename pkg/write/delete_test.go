package write

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/triggers"
	"github.com/objectstack/objectstack/pkg/types"
)

func TestDeleteRemovesObject(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(5)})
	require.NoError(t, err)
	objectID, _ := result.Response["objectId"].(string)

	deleted, err := f.executor.Delete(context.Background(), f.factory.Master(), "Game", objectID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, deleted.Status)
	require.Empty(t, deleted.Response)
	require.EqualValues(t, 0, f.count(t, "Game", types.Object{}))
}

func TestDeleteValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.executor.Delete(context.Background(), f.factory.Master(), "Game", "")
	require.True(t, apierrors.HasCode(err, apierrors.MissingObjectID))

	_, err = f.executor.Delete(context.Background(), f.factory.Master(), "Nothing", "x")
	require.True(t, apierrors.HasCode(err, apierrors.ObjectNotFound))

	_, err = f.executor.Delete(context.Background(), f.factory.ReadOnlyMaster(), "Game", "x")
	require.True(t, apierrors.HasCode(err, apierrors.OperationForbidden))
}

func TestDeleteHonorsACL(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Note", "",
		types.Object{"ACL": map[string]any{"u1": map[string]any{"read": true, "write": true}}})
	require.NoError(t, err)
	objectID, _ := result.Response["objectId"].(string)

	_, err = f.executor.Delete(context.Background(), f.factory.ForUser("u2", "", ""), "Note", objectID)
	require.True(t, apierrors.HasCode(err, apierrors.ObjectNotFound))

	_, err = f.executor.Delete(context.Background(), f.factory.ForUser("u1", "", ""), "Note", objectID)
	require.NoError(t, err)
}

func TestBeforeDeleteAborts(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(triggers.BeforeDelete, "Game", func(context.Context, *triggers.Request) (*triggers.Response, error) {
		return nil, apierrors.New(apierrors.ValidationError, "keep it")
	})

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(1)})
	require.NoError(t, err)
	objectID, _ := result.Response["objectId"].(string)

	_, err = f.executor.Delete(context.Background(), f.factory.Master(), "Game", objectID)
	require.True(t, apierrors.HasCode(err, apierrors.ValidationError))
	require.EqualValues(t, 1, f.count(t, "Game", types.Object{}))
}

func TestDeleteUserRevokesSessions(t *testing.T) {
	f := newFixture(t)

	result, err := f.executor.Execute(context.Background(), f.factory.Anonymous(""), schema.ClassUser, "",
		types.Object{"username": "alice", "password": "one"})
	require.NoError(t, err)
	userID, _ := result.Response["objectId"].(string)
	require.EqualValues(t, 1, f.count(t, schema.ClassSession, types.Object{}))

	_, err = f.executor.Delete(context.Background(), f.factory.Master(), schema.ClassUser, userID)
	require.NoError(t, err)
	require.EqualValues(t, 0, f.count(t, schema.ClassSession, types.Object{}))
}

func TestAfterDeleteFailureSwallowed(t *testing.T) {
	f := newFixture(t)
	var fired bool
	f.registry.Register(triggers.AfterDelete, "Game", func(context.Context, *triggers.Request) (*triggers.Response, error) {
		fired = true
		return nil, apierrors.New(apierrors.InternalServerError, "boom")
	})

	result, err := f.executor.Execute(context.Background(), f.factory.Master(), "Game", "",
		types.Object{"score": float64(1)})
	require.NoError(t, err)
	objectID, _ := result.Response["objectId"].(string)

	_, err = f.executor.Delete(context.Background(), f.factory.Master(), "Game", objectID)
	require.NoError(t, err)
	require.True(t, fired)
}

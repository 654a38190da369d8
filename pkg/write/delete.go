package write

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/auth"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/triggers"
	"github.com/objectstack/objectstack/pkg/types"
)

// Delete removes one object. beforeDelete failures abort the delete and
// propagate; afterDelete failures are logged and swallowed. Deleting a user
// revokes that user's sessions; deleting a session drops its cached token.
func (e *Executor) Delete(ctx context.Context, a *auth.Auth, className, objectID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "write.Delete")
	defer span.End()

	if a.IsReadOnly {
		return nil, apierrors.New(apierrors.OperationForbidden,
			"read-only masterKey isn't allowed to perform the delete operation.")
	}
	if objectID == "" {
		return nil, apierrors.New(apierrors.MissingObjectID, "an objectId is required for delete")
	}

	class, exists, err := e.schemas.Load(ctx, className)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apierrors.New(apierrors.ObjectNotFound, "Object not found.")
	}

	var readACL, writeACL []string
	if !a.IsMaster {
		group, err := a.ACLGroup(ctx)
		if err != nil {
			return nil, err
		}
		if err := class.CheckPermission("delete", group, a.User != nil); err != nil {
			return nil, err
		}
		subjects := []string{}
		for _, s := range group {
			if s != types.PublicScope {
				subjects = append(subjects, s)
			}
		}
		readACL, writeACL = subjects, subjects
	}

	rows, err := e.store.Find(ctx, *class, types.Object{types.FieldObjectID: objectID},
		storage.FindOptions{Limit: 1, ACL: readACL})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierrors.New(apierrors.ObjectNotFound, "Object not found.")
	}
	victim := rows[0]

	_, err = e.registry.MaybeRun(ctx, triggers.BeforeDelete, className, &triggers.Request{
		ClassName: className,
		Master:    a.IsMaster,
		UserID:    a.UserID(),
		Object:    victim,
	})
	if err != nil {
		return nil, err
	}

	err = e.store.Destroy(ctx, *class, types.Object{types.FieldObjectID: objectID},
		storage.WriteOptions{ACL: writeACL})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierrors.New(apierrors.ObjectNotFound, "Object not found.")
		}
		return nil, err
	}

	switch className {
	case schema.ClassSession:
		if token, _ := victim["sessionToken"].(string); token != "" {
			e.factory.InvalidateSessionToken(ctx, token)
		}
	case schema.ClassUser:
		if err := e.destroyUserSessions(ctx, objectID); err != nil {
			e.log.Warn("failed to revoke sessions of deleted user",
				zap.String("user", objectID), zap.Error(err))
		}
	}

	if _, err := e.registry.MaybeRun(ctx, triggers.AfterDelete, className, &triggers.Request{
		ClassName: className,
		Master:    a.IsMaster,
		UserID:    a.UserID(),
		Object:    victim,
	}); err != nil {
		e.log.Warn("afterDelete trigger failed",
			zap.String("class", className),
			zap.String("objectId", objectID),
			zap.Error(err))
	}

	writesExecuted.WithLabelValues(className, "delete").Inc()
	return &Result{Status: http.StatusOK, Response: types.Object{}}, nil
}

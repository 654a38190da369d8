package write

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/types"
)

const hashedPasswordField = "_hashed_password"

// validateAuthData links third-party auth identities. An identity already
// linked to a different user rejects the write; a matching identity on the
// same user is a no-op link; a fresh identity proceeds, with a synthetic
// username generated when the signup carries none.
func (w *writeContext) validateAuthData(ctx context.Context) error {
	if w.className != schema.ClassUser {
		return nil
	}
	raw, present := w.data["authData"]
	if !present {
		return nil
	}
	authData, ok := raw.(map[string]any)
	if !ok {
		return apierrors.New(apierrors.IncorrectType, "invalid authData")
	}

	for provider, block := range authData {
		if block == nil {
			// Null block unlinks the provider; nothing to validate.
			continue
		}
		blockMap, ok := block.(map[string]any)
		if !ok {
			return apierrors.Newf(apierrors.IncorrectType, "invalid authData for provider %s", provider)
		}
		providerID, _ := blockMap["id"].(string)
		if providerID == "" {
			return apierrors.Newf(apierrors.IncorrectType, "missing id in authData for provider %s", provider)
		}

		rows, err := w.e.store.Find(ctx, *w.class, types.Object{
			"authData." + provider + ".id": providerID,
		}, storage.FindOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			linkedID, _ := rows[0][types.FieldObjectID].(string)
			if linkedID != w.objectID {
				return apierrors.New(apierrors.AccountAlreadyLinked,
					"this auth is already used")
			}
			// Exact identity match on the user itself: allowed to link.
		}
	}

	if w.isCreate() {
		if _, hasUsername := w.data["username"]; !hasUsername {
			username, err := id.NewObjectID()
			if err != nil {
				return err
			}
			w.data["username"] = strings.ToLower(username)
		}
	}
	return nil
}

// transformUser hashes passwords, enforces username/email uniqueness via
// find-before-write, and synthesizes the signup session.
func (w *writeContext) transformUser(ctx context.Context) error {
	if w.className != schema.ClassUser {
		return nil
	}

	_, hasAuthData := w.data["authData"]
	if w.isCreate() && !hasAuthData {
		if username, _ := w.data["username"].(string); username == "" {
			return apierrors.New(apierrors.UsernameMissing, "bad or missing username")
		}
		if password, _ := w.data["password"].(string); password == "" {
			return apierrors.New(apierrors.PasswordMissing, "password is required")
		}
	}

	if password, present := w.data["password"].(string); present && password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		w.data[hashedPasswordField] = string(hash)
		delete(w.data, "password")
	}

	// Best-effort storage-level constraints; the find-before-write below is
	// the primary gate and the adapter constraint backs it where supported.
	w.e.userUniqueness.Do(func() {
		for _, field := range []string{"username", "email"} {
			if err := w.e.store.EnsureUniqueness(ctx, *w.class, []string{field}); err != nil {
				w.e.log.Warn("could not ensure user uniqueness constraint",
					zap.String("field", field), zap.Error(err))
			}
		}
	})

	if username, _ := w.data["username"].(string); username != "" {
		taken, err := w.userFieldTaken(ctx, "username", username)
		if err != nil {
			return err
		}
		if taken {
			return apierrors.New(apierrors.UsernameTaken, "Account already exists for this username.")
		}
	}
	if email, _ := w.data["email"].(string); email != "" {
		taken, err := w.userFieldTaken(ctx, "email", email)
		if err != nil {
			return err
		}
		if taken {
			return apierrors.New(apierrors.EmailTaken, "Account already exists for this email address.")
		}
	}

	if w.isCreate() && !w.auth.IsMaster {
		return w.createSignupSession(ctx)
	}
	return nil
}

// userFieldTaken reports whether another user row already holds value.
func (w *writeContext) userFieldTaken(ctx context.Context, field, value string) (bool, error) {
	rows, err := w.e.store.Find(ctx, *w.class, types.Object{
		field:               value,
		types.FieldObjectID: types.Object{"$ne": w.objectID},
	}, storage.FindOptions{Limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// createSignupSession issues a nested write that persists the _Session row
// for a fresh signup and stashes its token for the response.
func (w *writeContext) createSignupSession(ctx context.Context) error {
	token, err := id.NewSessionToken()
	if err != nil {
		return err
	}

	action := "signup"
	authProvider := "password"
	if _, hasAuthData := w.data["authData"]; hasAuthData {
		authProvider = "authData"
	}

	_, err = w.e.Execute(ctx, w.e.factory.Master(), schema.ClassSession, "", types.Object{
		"sessionToken": token,
		"user":         types.NewPointer(schema.ClassUser, w.objectID),
		"createdWith": types.Object{
			"action":       action,
			"authProvider": authProvider,
		},
		"expiresAt":      types.NewDate(time.Now().AddDate(1, 0, 0)),
		"installationId": w.auth.InstallationID,
	})
	if err != nil {
		return err
	}
	w.sessionToken = token
	return nil
}

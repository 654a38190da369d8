// Package auth resolves request identity (master, user, anonymous) and the
// transitive role membership driving authorization decisions.
package auth

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/cache"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/types"
)

// User is the resolved identity behind a session token.
type User struct {
	ObjectID     string
	SessionToken string
}

// Auth is the per-request authorization context. It is created once per
// inbound request and never shared across requests; the only mutable state is
// the lazily computed role set, guarded so concurrent callers on the same
// context share a single underlying role fetch.
type Auth struct {
	IsMaster       bool
	IsReadOnly     bool
	User           *User
	InstallationID string

	resolver *RoleResolver

	mu      sync.Mutex
	roles   []string
	fetched bool
	group   singleflight.Group
}

// UserID returns the authenticated user's objectId, or "".
func (a *Auth) UserID() string {
	if a.User == nil {
		return ""
	}
	return a.User.ObjectID
}

// UserRoles returns the transitive set of "role:<name>" scopes the user
// belongs to. The result is memoized: the underlying role queries run at most
// once per Auth, and concurrent callers await the same in-flight resolution.
func (a *Auth) UserRoles(ctx context.Context) ([]string, error) {
	if a.IsMaster || a.User == nil {
		return nil, nil
	}

	a.mu.Lock()
	if a.fetched {
		roles := a.roles
		a.mu.Unlock()
		return roles, nil
	}
	a.mu.Unlock()

	v, err, _ := a.group.Do("roles", func() (any, error) {
		roles, err := a.resolver.ResolveRoles(ctx, a.User.ObjectID)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.roles = roles
		a.fetched = true
		a.mu.Unlock()
		return roles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// ACLGroup returns the subjects the caller reads as: the public scope, the
// user id if signed in, and every resolved role scope.
func (a *Auth) ACLGroup(ctx context.Context) ([]string, error) {
	group := []string{types.PublicScope}
	if a.User != nil {
		group = append(group, a.User.ObjectID)
	}
	roles, err := a.UserRoles(ctx)
	if err != nil {
		return nil, err
	}
	return append(group, roles...), nil
}

// Factory builds Auth contexts, resolving session tokens through the external
// session cache with a master-level storage lookup as fallback.
type Factory struct {
	store      storage.Adapter
	schemas    *schema.Controller
	sessions   cache.Adapter
	sessionTTL time.Duration
	resolver   *RoleResolver
	log        logger.Logger
}

func NewFactory(store storage.Adapter, schemas *schema.Controller, sessions cache.Adapter, sessionTTL time.Duration, log logger.Logger) *Factory {
	return &Factory{
		store:      store,
		schemas:    schemas,
		sessions:   sessions,
		sessionTTL: sessionTTL,
		resolver:   NewRoleResolver(store, schemas, log),
		log:        log,
	}
}

// Resolver exposes the role resolver for collaborators that need it directly.
func (f *Factory) Resolver() *RoleResolver {
	return f.resolver
}

func (f *Factory) Master() *Auth {
	return &Auth{IsMaster: true, resolver: f.resolver}
}

func (f *Factory) ReadOnlyMaster() *Auth {
	return &Auth{IsMaster: true, IsReadOnly: true, resolver: f.resolver}
}

func (f *Factory) Anonymous(installationID string) *Auth {
	return &Auth{InstallationID: installationID, resolver: f.resolver}
}

func (f *Factory) ForUser(userID, sessionToken, installationID string) *Auth {
	return &Auth{
		User:           &User{ObjectID: userID, SessionToken: sessionToken},
		InstallationID: installationID,
		resolver:       f.resolver,
	}
}

type cachedSession struct {
	UserID    string `json:"userId"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func sessionCacheKey(token string) string {
	return "session:" + strconv.FormatUint(xxhash.Sum64String(token), 16)
}

// ForSessionToken resolves a session token into a user Auth. Unknown or
// expired tokens fail with INVALID_SESSION_TOKEN.
func (f *Factory) ForSessionToken(ctx context.Context, token, installationID string) (*Auth, error) {
	if !id.IsSessionToken(token) {
		return nil, apierrors.New(apierrors.InvalidSessionToken, "Invalid session token")
	}

	key := sessionCacheKey(token)
	if raw, ok, err := f.sessions.Get(ctx, key); err == nil && ok {
		var cached cachedSession
		if err := json.Unmarshal(raw, &cached); err == nil && cached.UserID != "" {
			return f.ForUser(cached.UserID, token, installationID), nil
		}
	}

	sessionClass, _, err := f.schemas.Load(ctx, schema.ClassSession)
	if err != nil {
		return nil, err
	}
	rows, err := f.store.Find(ctx, *sessionClass, types.Object{"sessionToken": token}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierrors.New(apierrors.InvalidSessionToken, "Invalid session token")
	}
	session := rows[0]

	if raw, ok := session["expiresAt"]; ok {
		if expires, ok := types.DateValue(raw); ok && expires.Before(time.Now()) {
			return nil, apierrors.New(apierrors.InvalidSessionToken, "Session token is expired.")
		}
	}

	_, userID, ok := types.PointerTarget(session["user"])
	if !ok {
		return nil, apierrors.New(apierrors.InvalidSessionToken, "Invalid session token")
	}

	encoded, err := json.Marshal(cachedSession{UserID: userID})
	if err == nil {
		if err := f.sessions.Put(ctx, key, encoded, f.sessionTTL); err != nil {
			f.log.Warn("failed to cache session", zap.Error(err))
		}
	}

	return f.ForUser(userID, token, installationID), nil
}

// InvalidateSessionToken drops the cached session->user mapping for token,
// called when a session row is destroyed or a password changes.
func (f *Factory) InvalidateSessionToken(ctx context.Context, token string) {
	if err := f.sessions.Del(ctx, sessionCacheKey(token)); err != nil {
		f.log.Warn("failed to invalidate cached session", zap.Error(err))
	}
}

// Package id generates object ids and session tokens.
package id

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// SessionTokenPrefix marks REST session tokens. Tokens without it are rejected
// before any storage lookup happens.
const SessionTokenPrefix = "r:"

func newULID() (ulid.ULID, error) {
	mutex.Lock()
	defer mutex.Unlock()

	return ulid.New(ulid.Timestamp(time.Now()), entropy)
}

// NewObjectID returns a fresh object id.
func NewObjectID() (string, error) {
	u, err := newULID()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// NewSessionToken returns a fresh "r:"-prefixed session token.
func NewSessionToken() (string, error) {
	u, err := newULID()
	if err != nil {
		return "", err
	}
	return SessionTokenPrefix + strings.ToLower(u.String()), nil
}

// IsSessionToken reports whether s is shaped like a session token.
func IsSessionToken(s string) bool {
	return strings.HasPrefix(s, SessionTokenPrefix) && len(s) > len(SessionTokenPrefix)
}

// IsValidObjectID reports whether s parses as an object id.
func IsValidObjectID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

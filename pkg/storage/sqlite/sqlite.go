// Package sqlite provides the SQLite storage adapter.
package sqlite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cespare/xxhash/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/sqlcommon"
)

// Datastore is a SQLite-backed [storage.Adapter].
type Datastore struct {
	*sqlcommon.Datastore
}

// New opens a connection to the SQLite database at uri.
func New(uri string, opts ...sqlcommon.DatastoreOption) (*Datastore, error) {
	cfg := sqlcommon.NewConfig(opts...)

	dsn, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}
	db, err := sqlcommon.Open("sqlite", dsn, cfg)
	if err != nil {
		return nil, err
	}
	ds, err := sqlcommon.NewDatastore(db, dialect{}, cfg)
	if err != nil {
		return nil, err
	}
	return &Datastore{Datastore: ds}, nil
}

// PrepareDSN appends the pragmas the adapter needs for concurrent access:
// WAL journaling and a busy timeout. Pragmas already present in uri win.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	if idx := strings.Index(uri, "?"); idx >= 0 {
		parsed, err := url.ParseQuery(uri[idx+1:])
		if err != nil {
			return "", fmt.Errorf("parse sqlite dsn: %w", err)
		}
		query = parsed
		uri = uri[:idx]
	}

	pragmas := query["_pragma"]
	hasPragma := func(name string) bool {
		for _, p := range pragmas {
			if strings.HasPrefix(p, name) {
				return true
			}
		}
		return false
	}
	if !hasPragma("journal_mode") {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !hasPragma("busy_timeout") {
		query.Add("_pragma", "busy_timeout(100)")
	}

	return uri + "?" + query.Encode(), nil
}

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) PlaceholderFormat() sq.PlaceholderFormat { return sq.Question }

func (dialect) UniqueIndexSQL(className string, fields []string) string {
	exprs := make([]string, 0, len(fields))
	guards := make([]string, 0, len(fields))
	for _, f := range fields {
		exprs = append(exprs, fmt.Sprintf("json_extract(data, '$.%s')", f))
		guards = append(guards, fmt.Sprintf("json_extract(data, '$.%s') IS NOT NULL", f))
	}
	name := fmt.Sprintf("ux_objects_%x", xxhash.Sum64String(className+":"+strings.Join(fields, ",")))
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON objects (%s) WHERE class_name = '%s' AND %s",
		name, strings.Join(exprs, ", "), className, strings.Join(guards, " AND "),
	)
}

func (dialect) HandleError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return storage.ErrUniquenessViolation
		}
	}
	return err
}

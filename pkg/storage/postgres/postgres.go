// Package postgres provides the PostgreSQL storage adapter.
package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/sqlcommon"
)

// Datastore is a PostgreSQL-backed [storage.Adapter].
type Datastore struct {
	*sqlcommon.Datastore
}

// New opens a connection to the PostgreSQL database at uri.
func New(uri string, opts ...sqlcommon.DatastoreOption) (*Datastore, error) {
	cfg := sqlcommon.NewConfig(opts...)

	db, err := sqlcommon.Open("pgx", uri, cfg)
	if err != nil {
		return nil, err
	}
	ds, err := sqlcommon.NewDatastore(db, dialect{}, cfg)
	if err != nil {
		return nil, err
	}
	return &Datastore{Datastore: ds}, nil
}

type dialect struct{}

func (dialect) Name() string { return "postgres" }

func (dialect) PlaceholderFormat() sq.PlaceholderFormat { return sq.Dollar }

// UniqueIndexSQL installs a partial expression index: uniqueness applies per
// class and only to rows that carry every indexed field.
func (dialect) UniqueIndexSQL(className string, fields []string) string {
	exprs := make([]string, 0, len(fields))
	guards := make([]string, 0, len(fields))
	for _, f := range fields {
		exprs = append(exprs, fmt.Sprintf("(data->>'%s')", f))
		guards = append(guards, fmt.Sprintf("data->>'%s' IS NOT NULL", f))
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrUniquenessViolation
	}
	return err
}

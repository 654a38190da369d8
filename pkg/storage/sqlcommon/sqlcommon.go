// Package sqlcommon implements the storage adapter over database/sql for the
// SQL backends. Objects live in a single table as JSON documents; simple
// objectId constraints are pushed into SQL and the remaining where-clause
// operators are evaluated by the shared conditions matcher.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/objectstack/objectstack/assets"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/schema"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/conditions"
	"github.com/objectstack/objectstack/pkg/types"
)

var tracer = otel.Tracer("objectstack/pkg/storage/sqlcommon")

// Config defines the configuration parameters for setting up and managing a
// sql connection.
type Config struct {
	Logger logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type used for configuring a Config object.
type DatastoreOption func(*Config)

func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	return cfg
}

// Dialect captures the per-backend differences of the shared SQL layout.
type Dialect interface {
	Name() string
	PlaceholderFormat() sq.PlaceholderFormat

	// UniqueIndexSQL returns the DDL installing a uniqueness constraint over
	// the given JSON fields of one class.
	UniqueIndexSQL(className string, fields []string) string

	// HandleError maps backend-specific failures onto storage errors.
	HandleError(err error) error
}

// Open connects and pings with exponential backoff, mirroring the adapter
// lifecycle: the engine should survive a database that is still coming up.
func Open(driverName, uri string, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open(driverName, uri)
	if err != nil {
		return nil, fmt.Errorf("initialize %s connection: %w", driverName, err)
	}

	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	err = backoff.Retry(func() error {
		return db.PingContext(context.Background())
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	return db, nil
}

// RunMigrations applies the embedded goose migrations for the dialect.
func RunMigrations(ctx context.Context, db *sql.DB, gooseDialect, dir string) error {
	goose.SetBaseFS(assets.EmbedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// Datastore is the shared SQL implementation of [storage.Adapter].
type Datastore struct {
	db               *sql.DB
	stbl             sq.StatementBuilderType
	dialect          Dialect
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ storage.Adapter = (*Datastore)(nil)

func NewDatastore(db *sql.DB, dialect Dialect, cfg *Config) (*Datastore, error) {
	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, "objectstack")
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		db:               db,
		stbl:             sq.StatementBuilder.PlaceholderFormat(dialect.PlaceholderFormat()).RunWith(db),
		dialect:          dialect,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// matching loads the class rows matching where, pushing down objectId
// equality when the where tree makes that safe.
func (d *Datastore) matching(ctx context.Context, class schema.Class, where types.Object, acl []string) ([]types.Object, error) {
	sb := d.stbl.Select("data").From("objects").Where(sq.Eq{"class_name": class.ClassName})

	if objectID, ok := where[types.FieldObjectID].(string); ok {
		sb = sb.Where(sq.Eq{"object_id": objectID})
	} else if constraint, ok := where[types.FieldObjectID].(map[string]any); ok && len(constraint) == 1 {
		if in, ok := constraint["$in"].([]any); ok {
			ids := make([]string, 0, len(in))
			for _, v := range in {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
			sb = sb.Where(sq.Eq{"object_id": ids})
		}
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, d.dialect.HandleError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Object
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var obj types.Object
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		matched, err := conditions.Matches(obj, where)
		if err != nil {
			return nil, err
		}
		if matched && readableBy(obj, acl) {
			out = append(out, obj)
		}
	}
	return out, rows.Err()
}

func readableBy(obj types.Object, subjects []string) bool {
	if subjects == nil {
		return true
	}
	acl, present := types.ACLFromObject(obj)
	if !present || acl[types.PublicScope].Read {
		return true
	}
	return acl.ReadableBy(subjects)
}

func writableBy(obj types.Object, subjects []string) bool {
	if subjects == nil {
		return true
	}
	acl, present := types.ACLFromObject(obj)
	if !present || acl[types.PublicScope].Write {
		return true
	}
	return acl.WritableBy(subjects)
}

func (d *Datastore) Find(ctx context.Context, class schema.Class, where types.Object, opts storage.FindOptions) ([]types.Object, error) {
	ctx, span := tracer.Start(ctx, d.dialect.Name()+".Find")
	defer span.End()

	rows, err := d.matching(ctx, class, where, opts.ACL)
	if err != nil {
		return nil, err
	}

	sortRows(rows, opts.Sort)

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(rows)) {
			rows = nil
		} else {
			rows = rows[opts.Skip:]
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultFindLimit
	}
	if int64(len(rows)) > limit {
		rows = rows[:limit]
	}

	out := make([]types.Object, 0, len(rows))
	for _, obj := range rows {
		out = append(out, project(obj, opts.Keys))
	}
	return out, nil
}

func (d *Datastore) Count(ctx context.Context, class schema.Class, where types.Object, opts storage.FindOptions) (int64, error) {
	ctx, span := tracer.Start(ctx, d.dialect.Name()+".Count")
	defer span.End()

	rows, err := d.matching(ctx, class, where, opts.ACL)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (d *Datastore) Create(ctx context.Context, class schema.Class, obj types.Object) error {
	ctx, span := tracer.Start(ctx, d.dialect.Name()+".Create")
	defer span.End()

	objectID, _ := obj[types.FieldObjectID].(string)
	createdAt, _ := obj[types.FieldCreatedAt].(string)
	updatedAt, _ := obj[types.FieldUpdatedAt].(string)
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	_, err = d.stbl.Insert("objects").
		Columns("class_name", "object_id", "data", "created_at", "updated_at").
		Values(class.ClassName, objectID, raw, createdAt, updatedAt).
		ExecContext(ctx)
	return d.dialect.HandleError(err)
}

func (d *Datastore) Update(ctx context.Context, class schema.Class, where types.Object, update types.Object, opts storage.WriteOptions) (types.Object, error) {
	ctx, span := tracer.Start(ctx, d.dialect.Name()+".Update")
	defer span.End()

	rows, err := d.matching(ctx, class, where, nil)
	if err != nil {
		return nil, err
	}
	for _, obj := range rows {
		if !writableBy(obj, opts.ACL) {
			continue
		}
		next := types.DeepCopy(obj)
		for field, value := range update {
			if storage.IsFieldDelete(value) {
				delete(next, field)
				continue
			}
			next[field] = value
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		objectID, _ := next[types.FieldObjectID].(string)
		updatedAt, _ := next[types.FieldUpdatedAt].(string)
		_, err = d.stbl.Update("objects").
			Set("data", raw).
			Set("updated_at", updatedAt).
			Where(sq.Eq{"class_name": class.ClassName, "object_id": objectID}).
			ExecContext(ctx)
		if err != nil {
			return nil, d.dialect.HandleError(err)
		}
		return next, nil
	}
	return nil, storage.ErrNotFound
}

func (d *Datastore) Destroy(ctx context.Context, class schema.Class, where types.Object, opts storage.WriteOptions) error {
	ctx, span := tracer.Start(ctx, d.dialect.Name()+".Destroy")
	defer span.End()

	rows, err := d.matching(ctx, class, where, nil)
	if err != nil {
		return err
	}
	var victims []string
	for _, obj := range rows {
		if writableBy(obj, opts.ACL) {
			if objectID, _ := obj[types.FieldObjectID].(string); objectID != "" {
				victims = append(victims, objectID)
			}
		}
	}
	if len(victims) == 0 {
		return storage.ErrNotFound
	}
	_, err = d.stbl.Delete("objects").
		Where(sq.Eq{"class_name": class.ClassName, "object_id": victims}).
		ExecContext(ctx)
	return d.dialect.HandleError(err)
}

func (d *Datastore) EnsureUniqueness(ctx context.Context, class schema.Class, fieldNames []string) error {
	ctx, span := tracer.Start(ctx, d.dialect.Name()+".EnsureUniqueness")
	defer span.End()

	_, err := d.db.ExecContext(ctx, d.dialect.UniqueIndexSQL(class.ClassName, fieldNames))
	return d.dialect.HandleError(err)
}

func (d *Datastore) RedirectClassNameForKey(ctx context.Context, className, key string) (string, error) {
	classes, err := d.LoadSchema(ctx)
	if err != nil {
		return className, err
	}
	for _, class := range classes {
		if class.ClassName != className {
			continue
		}
		if field, ok := class.Fields[key]; ok && field.TargetClass != "" {
			return field.TargetClass, nil
		}
	}
	return className, nil
}

func (d *Datastore) LoadSchema(ctx context.Context) ([]schema.Class, error) {
	rows, err := d.stbl.Select("definition").From("schema_classes").QueryContext(ctx)
	if err != nil {
		return nil, d.dialect.HandleError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []schema.Class
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var class schema.Class
		if err := json.Unmarshal(raw, &class); err != nil {
			return nil, err
		}
		out = append(out, class)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassName < out[j].ClassName })
	return out, nil
}

func (d *Datastore) SetClass(ctx context.Context, class schema.Class) error {
	raw, err := json.Marshal(class)
	if err != nil {
		return err
	}

	// Upsert without dialect-specific syntax: update first, insert on zero
	// rows. Class writes are rare and racing writers converge on the same
	// definition.
	res, err := d.stbl.Update("schema_classes").
		Set("definition", raw).
		Where(sq.Eq{"class_name": class.ClassName}).
		ExecContext(ctx)
	if err != nil {
		return d.dialect.HandleError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = d.stbl.Insert("schema_classes").
		Columns("class_name", "definition").
		Values(class.ClassName, raw).
		ExecContext(ctx)
	if err != nil {
		mapped := d.dialect.HandleError(err)
		if errors.Is(mapped, storage.ErrUniquenessViolation) {
			return nil
		}
		return mapped
	}
	return nil
}

func (d *Datastore) Close() {
	if d.dbStatsCollector != nil {
		prometheus.Unregister(d.dbStatsCollector)
	}
	_ = d.db.Close()
}

func sortRows(rows []types.Object, order map[string]int) {
	if len(order) == 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := rows[i][types.FieldObjectID].(string)
			b, _ := rows[j][types.FieldObjectID].(string)
			return a < b
		})
		return
	}
	fields := make([]string, 0, len(order))
	for f := range order {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	sort.SliceStable(rows, func(i, j int) bool {
		for _, f := range fields {
			cmp := conditions.Compare(conditions.Lookup(rows[i], f), conditions.Lookup(rows[j], f))
			if cmp == 0 {
				continue
			}
			if order[f] < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func project(obj types.Object, keys []string) types.Object {
	if len(keys) == 0 {
		return obj
	}
	keep := map[string]bool{}
	for _, k := range keys {
		keep[k] = true
	}
	for field := range obj {
		if !keep[field] {
			delete(obj, field)
		}
	}
	return obj
}

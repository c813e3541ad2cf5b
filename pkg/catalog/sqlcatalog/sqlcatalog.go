// Package sqlcatalog implements the catalog interfaces over database/sql and
// supports PostgreSQL (pgx) and SQLite (ncruces/go-sqlite3).
package sqlcatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/catalog"
	"github.com/wilhg/geotask/pkg/sqldb"
)

// Catalog is a session pool over one database handle.
type Catalog struct {
	db     *sqldb.DB
	logger *zap.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger used for catalog writes.
func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps an opened database.
func New(db *sqldb.DB, opts ...Option) *Catalog {
	c := &Catalog{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire checks out a dedicated connection for one task run.
func (c *Catalog) Acquire(ctx context.Context) (catalog.Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire catalog connection: %w", err)
	}
	return &session{conn: conn, dialect: c.db.Dialect, logger: c.logger}, nil
}

type session struct {
	conn    *sql.Conn
	dialect sqldb.Dialect
	logger  *zap.Logger
	once    sync.Once
}

func (s *session) Release() {
	s.once.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("release catalog connection", zap.Error(err))
		}
	})
}

// Insert writes rows in one transaction and returns each row's primary key
// rendered as text.
func (s *session) Insert(ctx context.Context, rows ...catalog.Row) ([]string, error) {
	tr := otel.Tracer("catalog/sql")
	ctx, span := tr.Start(ctx, "Catalog.Insert", trace.WithAttributes(attribute.Int("rows", len(rows))))
	defer span.End()
	if len(rows) == 0 {
		return nil, nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		query, args, err := s.insertStatement(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		var key string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&key); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("insert into %s: %w", row.Collection.Name, err)
		}
		keys = append(keys, key)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	for i, row := range rows {
		s.logger.Debug("catalog row inserted",
			zap.String("collection", row.Collection.Name),
			zap.String("key", keys[i]))
	}
	return keys, nil
}

func (s *session) insertStatement(row catalog.Row) (string, []any, error) {
	c := row.Collection
	if c.Name == "" || c.Key == "" {
		return "", nil, errors.New("collection name and key are required")
	}
	cols := make([]string, 0, len(row.Values))
	for col := range row.Values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.dialect.Quote(c.Name))
	args := make([]any, 0, len(cols))
	if len(cols) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		quoted := make([]string, len(cols))
		for i, col := range cols {
			quoted[i] = s.dialect.Quote(col)
			v, err := encodeValue(row.Values[col])
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", col, err)
			}
			args = append(args, v)
		}
		fmt.Fprintf(&b, " (%s) VALUES (%s)", strings.Join(quoted, ", "), s.dialect.Placeholders(1, len(cols)))
	}
	fmt.Fprintf(&b, " RETURNING CAST(%s AS TEXT)", s.dialect.Quote(c.Key))
	return b.String(), args, nil
}

// encodeValue stores maps, slices and structs as JSON text.
func encodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case reflect.Pointer:
		rv := reflect.ValueOf(v)
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem().Interface())
	default:
		return v, nil
	}
}

// DeleteByKeys removes rows whose key, compared as text, is in keys.
func (s *session) DeleteByKeys(ctx context.Context, c catalog.Collection, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tr := otel.Tracer("catalog/sql")
	ctx, span := tr.Start(ctx, "Catalog.DeleteByKeys", trace.WithAttributes(
		attribute.String("collection", c.Name),
		attribute.StringSlice("keys", keys),
	))
	defer span.End()
	query := fmt.Sprintf("DELETE FROM %s WHERE CAST(%s AS TEXT) IN (%s)",
		s.dialect.Quote(c.Name), s.dialect.Quote(c.Key), s.dialect.Placeholders(1, len(keys)))
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete from %s: %w", c.Name, err)
	}
	s.logger.Debug("catalog rows deleted", zap.String("collection", c.Name), zap.Strings("keys", keys))
	return nil
}

// LookupUser reads the uploader's role and whether that role has admin access.
func (s *session) LookupUser(ctx context.Context, id string) (catalog.User, error) {
	query := fmt.Sprintf(
		`SELECT r.admin_access, u.role FROM directus_users u INNER JOIN directus_roles r ON u.role = r.id WHERE CAST(u.id AS TEXT) = %s`,
		s.dialect.Placeholder(1))
	var (
		admin bool
		role  sql.NullString
	)
	err := s.conn.QueryRowContext(ctx, query, id).Scan(&admin, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.User{}, catalog.ErrUserNotFound
	}
	if err != nil {
		return catalog.User{}, err
	}
	return catalog.User{ID: id, Admin: admin, Role: role.String}, nil
}

package repo

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Result is the minimal interface needed from a neo4j result.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// Runner is the minimal interface needed from a neo4j session.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// SessionOpener returns a fresh session per unit of work.
type SessionOpener func(ctx context.Context) Runner

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the Runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// DriverSessions opens sessions on driver against database ("" for the default).
func DriverSessions(driver neo4j.DriverWithContext, database string) SessionOpener {
	return func(ctx context.Context) Runner {
		return &neo4jSessionAdapter{sess: driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})}
	}
}

// Collect runs cypher and decodes every record.
func Collect[T any](ctx context.Context, open SessionOpener, cypher string, params map[string]any, decode func(*neo4j.Record) (T, error)) ([]T, error) {
	sess := open(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var items []T
	for res.Next(ctx) {
		item, err := decode(res.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Single runs cypher and decodes the first record, or returns ErrNotFound.
func Single[T any](ctx context.Context, open SessionOpener, cypher string, params map[string]any, decode func(*neo4j.Record) (T, error)) (T, error) {
	var zero T
	items, err := Collect(ctx, open, cypher, params, decode)
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, ErrNotFound
	}
	return items[0], nil
}

// Exec runs cypher and drains the result.
func Exec(ctx context.Context, open SessionOpener, cypher string, params map[string]any) error {
	_, err := Collect(ctx, open, cypher, params, func(*neo4j.Record) (struct{}, error) { return struct{}{}, nil })
	return err
}

// Neo4jRepo is a generic Neo4j-backed repository over one node label.
type Neo4jRepo[T any, ID comparable] struct {
	open       SessionOpener
	label      string
	idKey      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// NewNeo4jRepo creates a new Neo4j-backed repository.
func NewNeo4jRepo[T any, ID comparable](
	open SessionOpener,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		open:       open,
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Opener returns the session opener used by the repository.
func (r *Neo4jRepo[T, ID]) Opener() SessionOpener { return r.open }

// Compile-time interface check.
var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	item, err := Single(ctx, r.open, cypher, map[string]any{"id": id}, r.fromRecord)
	if err != nil {
		return item, fmt.Errorf("repo: get %s: %w", r.label, err)
	}
	return item, nil
}

var propertyName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	order := ""
	if opts.OrderBy != "" {
		if !propertyName.MatchString(opts.OrderBy) {
			return nil, fmt.Errorf("repo: list %s: invalid order property %q", r.label, opts.OrderBy)
		}
		order = " ORDER BY n." + opts.OrderBy
		if opts.Desc {
			order += " DESC"
		}
	}
	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n%s SKIP $offset LIMIT $limit", r.label, order)
	items, err := Collect(ctx, r.open, cypher, map[string]any{"offset": opts.Offset, "limit": limit}, r.fromRecord)
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.label, err)
	}
	return items, nil
}

// Save upserts the entity by its ID property.
func (r *Neo4jRepo[T, ID]) Save(ctx context.Context, entity T) (T, error) {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	item, err := Single(ctx, r.open, cypher, map[string]any{"id": props[r.idKey], "props": props}, r.fromRecord)
	if err != nil {
		return item, fmt.Errorf("repo: save %s: %w", r.label, err)
	}
	return item, nil
}

// Delete removes the node and its relationships. Missing IDs yield ErrNotFound.
func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) DETACH DELETE n RETURN count(*) AS deleted", r.label, r.idKey)
	n, err := Single(ctx, r.open, cypher, map[string]any{"id": id}, func(rec *neo4j.Record) (int64, error) {
		v, _ := rec.Get("deleted")
		count, _ := v.(int64)
		return count, nil
	})
	if err != nil {
		return fmt.Errorf("repo: delete %s: %w", r.label, err)
	}
	if n == 0 {
		return fmt.Errorf("repo: delete %s: %w", r.label, ErrNotFound)
	}
	return nil
}

// NodeProps extracts the properties of the node (or map) at key.
func NodeProps(rec *neo4j.Record, key string) (map[string]any, error) {
	v, ok := rec.Get(key)
	if !ok {
		return nil, fmt.Errorf("repo: record has no %q", key)
	}
	switch n := v.(type) {
	case neo4j.Node:
		return n.Props, nil
	case map[string]any:
		return n, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("repo: %q is %T, not a node", key, v)
	}
}

// PropString reads a string property, "" when absent.
func PropString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// PropInt reads an integer property, 0 when absent.
func PropInt(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// PropTime reads a datetime property stored natively or as RFC 3339.
func PropTime(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case string:
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	}
	return time.Time{}
}

package store

import (
	"context"
	"time"
)

// Record is a plain table row: string/number/boolean/nested-object fields.
// Timestamps cross the store boundary as ISO-8601 strings; use FormatTime and
// ParseTime at the edges.
type Record map[string]interface{}

// FilterOp is a comparison operator for select/update/delete predicates
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNe  FilterOp = "ne"
	OpGte FilterOp = "gte"
	OpLte FilterOp = "lte"
)

// Filter is a single field predicate
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// Eq builds an equality filter
func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Gte builds a greater-or-equal filter
func Gte(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpGte, Value: value}
}

// Lte builds a less-or-equal filter
func Lte(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpLte, Value: value}
}

// Query describes a select: filters, ordering, pagination
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Records is the durable store collaborator interface
type Records interface {
	Insert(ctx context.Context, table string, rec Record) error
	InsertBatch(ctx context.Context, table string, recs []Record) error
	Upsert(ctx context.Context, table, keyField string, rec Record) error
	Update(ctx context.Context, table string, filters []Filter, changes Record) (int64, error)
	Delete(ctx context.Context, table string, filters []Filter) (int64, error)
	Select(ctx context.Context, table string, q Query) ([]Record, error)
	Count(ctx context.Context, table string, filters []Filter) (int64, error)
}

// FormatTime serializes a timestamp for the store boundary
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a boundary timestamp back to a native time. A zero time is
// returned for missing or malformed values.
func ParseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// String reads a string field from a record
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Bool reads a boolean field from a record
func (r Record) Bool(field string) bool {
	b, _ := r[field].(bool)
	return b
}

// Time reads an ISO-8601 timestamp field from a record
func (r Record) Time(field string) time.Time {
	return ParseTime(r[field])
}

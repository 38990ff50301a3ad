package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemRecords is an in-memory Records implementation with the same filter and
// ordering semantics as the SQL store. Used by tests and single-node dev runs.
type MemRecords struct {
	mu     sync.RWMutex
	tables map[string][]Record
}

// NewMemRecords creates an in-memory record store
func NewMemRecords() *MemRecords {
	return &MemRecords{tables: make(map[string][]Record)}
}

func (m *MemRecords) Insert(_ context.Context, table string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], cloneRecord(rec))
	return nil
}

func (m *MemRecords) InsertBatch(_ context.Context, table string, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.tables[table] = append(m.tables[table], cloneRecord(rec))
	}
	return nil
}

func (m *MemRecords) Upsert(_ context.Context, table, keyField string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	for i, row := range rows {
		if row[keyField] == rec[keyField] {
			rows[i] = cloneRecord(rec)
			return nil
		}
	}
	m.tables[table] = append(rows, cloneRecord(rec))
	return nil
}

func (m *MemRecords) Update(_ context.Context, table string, filters []Filter, changes Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated int64
	for _, row := range m.tables[table] {
		if matchesAll(row, filters) {
			for k, v := range changes {
				row[k] = v
			}
			updated++
		}
	}
	return updated, nil
}

func (m *MemRecords) Delete(_ context.Context, table string, filters []Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	kept := rows[:0]
	var deleted int64
	for _, row := range rows {
		if matchesAll(row, filters) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return deleted, nil
}

func (m *MemRecords) Select(_ context.Context, table string, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, row := range m.tables[table] {
		if matchesAll(row, q.Filters) {
			out = append(out, cloneRecord(row))
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i][q.OrderBy], out[j][q.OrderBy]) < 0
			if q.Desc {
				return !less
			}
			return less
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemRecords) Count(_ context.Context, table string, filters []Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, row := range m.tables[table] {
		if matchesAll(row, filters) {
			n++
		}
	}
	return n, nil
}

func matchesAll(row Record, filters []Filter) bool {
	for _, f := range filters {
		cmp := compareValues(row[f.Field], f.Value)
		switch f.Op {
		case OpEq:
			if cmp != 0 {
				return false
			}
		case OpNe:
			if cmp == 0 {
				return false
			}
		case OpGte:
			if cmp < 0 {
				return false
			}
		case OpLte:
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders two record values. Mixed numeric types compare by
// value; everything else falls back to string comparison, which is also what
// keeps ISO-8601 timestamps ordering correctly.
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

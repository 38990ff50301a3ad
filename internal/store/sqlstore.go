package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLStore implements Records on top of database/sql, supporting sqlite3 for
// single-node deployments and postgres for shared ones.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// OpenSQL opens the durable store and applies the schema
func OpenSQL(ctx context.Context, logger *zap.Logger, driver, dsn string) (*SQLStore, error) {
	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("durable store ready", zap.String("driver", driver))
	return s, nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// normalizeValue converts record values to driver-friendly types; nested
// objects become JSON text.
func normalizeValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, []byte:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func sortedFields(rec Record) []string {
	fields := make([]string, 0, len(rec))
	for k := range rec {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func (s *SQLStore) Insert(ctx context.Context, table string, rec Record) error {
	fields := sortedFields(rec)
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		cols[i] = f
		marks[i] = s.placeholder(i + 1)
		args[i] = normalizeValue(rec[f])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) InsertBatch(ctx context.Context, table string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fields := sortedFields(recs[0])
	cols := strings.Join(fields, ", ")
	marks := make([]string, len(fields))
	for i := range fields {
		marks[i] = s.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, cols, strings.Join(marks, ", "))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		args := make([]interface{}, len(fields))
		for i, f := range fields {
			args[i] = normalizeValue(rec[f])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) Upsert(ctx context.Context, table, keyField string, rec Record) error {
	fields := sortedFields(rec)
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	args := make([]interface{}, len(fields))
	var updates []string
	for i, f := range fields {
		cols[i] = f
		marks[i] = s.placeholder(i + 1)
		args[i] = normalizeValue(rec[f])
		if f != keyField {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", f, f))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "),
		keyField, strings.Join(updates, ", "),
	)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) whereClause(filters []Filter, startIndex int) (string, []interface{}) {
	if len(filters) == 0 {
		return "", nil
	}

	var parts []string
	var args []interface{}
	n := startIndex
	for _, f := range filters {
		var op string
		switch f.Op {
		case OpEq:
			op = "="
		case OpNe:
			op = "!="
		case OpGte:
			op = ">="
		case OpLte:
			op = "<="
		default:
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", f.Field, op, s.placeholder(n)))
		args = append(args, normalizeValue(f.Value))
		n++
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (s *SQLStore) Update(ctx context.Context, table string, filters []Filter, changes Record) (int64, error) {
	fields := sortedFields(changes)
	sets := make([]string, len(fields))
	args := make([]interface{}, 0, len(fields)+len(filters))
	for i, f := range fields {
		sets[i] = fmt.Sprintf("%s = %s", f, s.placeholder(i+1))
		args = append(args, normalizeValue(changes[f]))
	}

	where, whereArgs := s.whereClause(filters, len(fields)+1)
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Delete(ctx context.Context, table string, filters []Filter) (int64, error) {
	where, args := s.whereClause(filters, 1)
	query := fmt.Sprintf("DELETE FROM %s%s", table, where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Select(ctx context.Context, table string, q Query) ([]Record, error) {
	where, args := s.whereClause(q.Filters, 1)

	query := fmt.Sprintf("SELECT * FROM %s%s", table, where)
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", q.OrderBy, dir)
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := make(Record, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				rec[col] = string(v)
			default:
				rec[col] = v
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, table string, filters []Filter) (int64, error) {
	where, args := s.whereClause(filters, 1)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where)

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// schemaStatements uses the lowest-common-denominator column types accepted
// by both sqlite3 and postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_agent TEXT,
		ip TEXT,
		created_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		event_type TEXT NOT NULL,
		resource TEXT,
		action TEXT,
		timestamp TEXT NOT NULL,
		severity TEXT NOT NULL,
		details TEXT,
		outcome TEXT NOT NULL,
		ip TEXT,
		user_agent TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events (timestamp)`,
	`CREATE TABLE IF NOT EXISTS security_alerts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT,
		timestamp TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		resolved_by TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS firewall_rules (
		id TEXT PRIMARY KEY,
		ip TEXT NOT NULL,
		action TEXT NOT NULL,
		port INTEGER,
		protocol TEXT,
		expires_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_firewall_rules_ip ON firewall_rules (ip)`,
	`CREATE TABLE IF NOT EXISTS mfa_enrollments (
		user_id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		secret TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS role_assignments (
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		PRIMARY KEY (user_id, role)
	)`,
	`CREATE TABLE IF NOT EXISTS encryption_keys (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
}

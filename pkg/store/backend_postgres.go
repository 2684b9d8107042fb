package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type backendDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresBackend implements Backend over pgx with a fixed table allowlist.
// SQL is assembled from validated identifiers only; values always travel as
// bind parameters.
type PostgresBackend struct {
	db     backendDB
	tables map[string]struct{}
}

func NewPostgresBackend(db backendDB, tables ...string) *PostgresBackend {
	allow := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		allow[t] = struct{}{}
	}
	return &PostgresBackend{db: db, tables: allow}
}

func (p *PostgresBackend) checkIdentifiers(table string, cols ...map[string]any) error {
	if _, ok := p.tables[table]; !ok {
		return fmt.Errorf("table %q not allowed", table)
	}
	if !identifierRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for _, set := range cols {
		for col := range set {
			if !identifierRe.MatchString(col) {
				return fmt.Errorf("invalid column name %q", col)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *PostgresBackend) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if err := p.checkIdentifiers(table, row); err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, fmt.Errorf("insert into %s: empty row", table)
	}
	keys := sortedKeys(row)
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[k]
	}
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(keys, ", "), strings.Join(placeholders, ", "),
	)
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	out, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoRows
	}
	return out[0], nil
}

func (p *PostgresBackend) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if err := p.checkIdentifiers(table, filter); err != nil {
		return nil, err
	}
	sql := "SELECT * FROM " + table
	where, args := whereClause(filter, 1)
	if where != "" {
		sql += " WHERE " + where
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return collectRows(rows)
}

func (p *PostgresBackend) Update(ctx context.Context, table string, filter Filter, patch Patch) ([]Row, error) {
	if err := p.checkIdentifiers(table, filter, patch); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}
	keys := sortedKeys(patch)
	assignments := make([]string, len(keys))
	args := make([]any, 0, len(keys)+len(filter))
	for i, k := range keys {
		assignments[i] = fmt.Sprintf("%s = $%d", k, i+1)
		args = append(args, patch[k])
	}
	sql := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(assignments, ", "))
	where, whereArgs := whereClause(filter, len(keys)+1)
	if where != "" {
		sql += " WHERE " + where
		args = append(args, whereArgs...)
	}
	sql += " RETURNING *"
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return collectRows(rows)
}

func whereClause(filter Filter, firstArg int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := sortedKeys(filter)
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s = $%d", k, firstArg+i)
		args[i] = filter[k]
	}
	return strings.Join(conds, " AND "), args
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

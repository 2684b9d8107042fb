package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

var ErrNoRows = errors.New("store: no rows")

// Row is one record in a row-oriented table. The same shapes are read by the
// guardian and mobile approver apps, so column names are wire-stable.
type Row map[string]any

// Filter matches rows by column equality.
type Filter map[string]any

// Patch assigns columns on matched rows.
type Patch map[string]any

// Backend is the row-oriented store used identically for approval requests,
// delegations, and policy-config tables.
type Backend interface {
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Patch) ([]Row, error)
}

// MemoryBackend is a mutex-guarded in-process Backend for tests and
// single-node deployments without postgres.
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string][]Row
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: map[string][]Row{}}
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func rowMatches(row Row, filter Filter) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (m *MemoryBackend) Insert(ctx context.Context, table string, row Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneRow(row)
	m.tables[table] = append(m.tables[table], stored)
	return cloneRow(stored), nil
}

func (m *MemoryBackend) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, row := range m.tables[table] {
		if rowMatches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (m *MemoryBackend) Update(ctx context.Context, table string, filter Filter, patch Patch) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, row := range m.tables[table] {
		if rowMatches(row, filter) {
			for k, v := range patch {
				row[k] = v
			}
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

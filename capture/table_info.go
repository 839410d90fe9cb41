// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the installers need.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableInfo describes one synchronized table's shape.
type TableInfo struct {
	Schema    string
	Table     string
	Columns   []string
	PKColumns []string // empty when the table has no primary key
}

// HasPK reports whether the table carries a primary key. Tables
// without one cannot be captured and are skipped at install time.
func (t *TableInfo) HasPK() bool {
	return len(t.PKColumns) > 0
}

// TableInfoProvider introspects and caches table metadata so repeated
// installs and sweeps do not re-query the catalogs.
type TableInfoProvider struct {
	db    DB
	mu    sync.RWMutex
	cache map[string]*TableInfo
}

func NewTableInfoProvider(db DB) *TableInfoProvider {
	return &TableInfoProvider{db: db, cache: make(map[string]*TableInfo)}
}

// Get returns the cached metadata for schema.table, introspecting on
// first use.
func (p *TableInfoProvider) Get(ctx context.Context, schema, table string) (*TableInfo, error) {
	key := schema + "." + table

	p.mu.RLock()
	info, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return info, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have populated the entry while we waited.
	if info, ok := p.cache[key]; ok {
		return info, nil
	}

	info, err := p.introspect(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	p.cache[key] = info
	return info, nil
}

// Invalidate drops the cached entry for schema.table, forcing a fresh
// introspection after a migration changed its shape.
func (p *TableInfoProvider) Invalidate(schema, table string) {
	p.mu.Lock()
	delete(p.cache, schema+"."+table)
	p.mu.Unlock()
}

func (p *TableInfoProvider) introspect(ctx context.Context, schema, table string) (*TableInfo, error) {
	info := &TableInfo{Schema: schema, Table: table}

	rows, err := p.db.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("capture: introspect columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("capture: scan column of %s.%s: %w", schema, table, err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capture: introspect columns of %s.%s: %w", schema, table, err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("capture: table %s.%s not found", schema, table)
	}

	pkRows, err := p.db.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = format('%I.%I', $1::text, $2::text)::regclass AND i.indisprimary
		ORDER BY a.attnum`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("capture: introspect pk of %s.%s: %w", schema, table, err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, fmt.Errorf("capture: scan pk of %s.%s: %w", schema, table, err)
		}
		info.PKColumns = append(info.PKColumns, col)
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("capture: introspect pk of %s.%s: %w", schema, table, err)
	}
	return info, nil
}

// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/conversant/agentrt/internal/sqlitedriver" // registers "sqlite3" driver

	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/storage"
)

// Migrator applies plugin-declared table schemas (pkg/storage's
// topologically-sorted CREATE TABLE engine) against a SQLite
// database. There are no numbered up/down migrations: every plugin
// schema is applied as an idempotent CREATE TABLE IF NOT EXISTS on
// every startup, and repeated runs leave existing tables and their
// foreign keys untouched.
//
// A sync.Mutex serializes migration runs within the process, since
// SQLite has no advisory-lock primitive like Postgres.
type Migrator struct {
	db     *sql.DB
	tracer observability.Tracer
	mu     sync.Mutex
}

// NewMigrator sets PRAGMA busy_timeout so concurrent readers/writers
// wait instead of failing immediately.
func NewMigrator(db *sql.DB, tracer observability.Tracer) (*Migrator, error) {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return &Migrator{db: db, tracer: tracer}, nil
}

// Apply validates and runs every plugin's schema, in dependency order.
func (m *Migrator) Apply(ctx context.Context, schemas []storage.PluginSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartSpan(ctx, "sqlite_migrator.apply")
	defer m.tracer.EndSpan(span)

	tables, err := storage.OrderTables(schemas)
	if err != nil {
		span.RecordError(err)
		return err
	}

	byTable := make(map[string]map[string]string)
	for _, schema := range schemas {
		for table, cols := range schema.Tables {
			byTable[table] = cols
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range tables {
		ddl, err := storage.CreateTableSQL(table, byTable[table])
		if err != nil {
			span.RecordError(err)
			return err
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			span.RecordError(err)
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit migration: %w", err)
	}

	span.SetAttribute("tables_applied", len(tables))
	return nil
}

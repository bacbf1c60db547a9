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
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/storage"
)

// migrationAdvisoryLockID is a fixed advisory lock ID used to prevent
// concurrent migration execution across multiple server instances.
const migrationAdvisoryLockID = 839021573 // arbitrary constant

// Migrator applies plugin-declared table schemas (pkg/storage's
// topologically-sorted CREATE TABLE engine) against Postgres. Plugin
// schemas have no versioning: every startup re-applies the same
// idempotent CREATE TABLE IF NOT EXISTS statements, and repeated runs
// leave existing tables and their foreign keys untouched. The
// advisory lock guards against two server instances racing the same
// CREATE TABLE set.
type Migrator struct {
	db     *sql.DB
	tracer observability.Tracer
}

// NewMigrator wraps an already-open *sql.DB (driver "postgres", via
// lib/pq).
func NewMigrator(db *sql.DB, tracer observability.Tracer) (*Migrator, error) {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Migrator{db: db, tracer: tracer}, nil
}

// Apply validates and runs every plugin's schema, in dependency order,
// inside a single transaction guarded by a Postgres advisory lock.
func (m *Migrator) Apply(ctx context.Context, schemas []storage.PluginSchema) error {
	ctx, span := m.tracer.StartSpan(ctx, "postgres_migrator.apply")
	defer m.tracer.EndSpan(span)

	if _, err := m.db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationAdvisoryLockID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = m.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationAdvisoryLockID)
	}()

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

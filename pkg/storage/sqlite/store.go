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

// Package sqlite implements the storage.Store contract without a
// native vector index: SearchMemoriesByEmbedding always returns a
// not-implemented error so callers fall back to recency-ordered
// queries.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/conversant/agentrt/internal/sqlitedriver" // registers "sqlite3" driver

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

// Store is the SQLite-backed storage.Store implementation, built on
// database/sql with manual struct scanning rather than an ORM.
type Store struct {
	db       *sql.DB
	tracer   observability.Tracer
	migrator *Migrator

	embedDim int // 0 until EnsureEmbeddingDimension is called
}

// Open opens (creating if absent) a SQLite database at path and sets
// the PRAGMAs concurrent access relies on.
func Open(ctx context.Context, path string, tracer observability.Tracer) (*Store, error) {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite writers are serialized regardless; avoid SQLITE_BUSY storms
	migrator, err := NewMigrator(db, tracer)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, tracer: tracer, migrator: migrator}, nil
}

func (s *Store) Initialize(ctx context.Context) error {
	return s.migrator.Apply(ctx, []storage.PluginSchema{{Plugin: "core", Tables: coreSchema}})
}

func (s *Store) IsReady(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RunPluginMigrations(ctx context.Context, plugins []storage.PluginSchema) error {
	return s.migrator.Apply(ctx, append([]storage.PluginSchema{{Plugin: "core", Tables: coreSchema}}, plugins...))
}

func (s *Store) SupportsVectorSearch() bool { return false }

// coreSchema is the built-in table set every deployment needs,
// expressed the same way a plugin publishes its own schema, so the
// core tables flow through the identical
// validate-then-topo-sort-then-CREATE pipeline as plugin extensions.
var coreSchema = map[string]map[string]string{
	"agents": {
		"id": "TEXT PRIMARY KEY", "name": "TEXT NOT NULL", "character": "TEXT",
		"created_at": "INTEGER NOT NULL", "updated_at": "INTEGER NOT NULL",
	},
	"worlds": {
		"id": "TEXT PRIMARY KEY", "name": "TEXT NOT NULL",
		"agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"server_id": "TEXT", "metadata": "TEXT",
	},
	"rooms": {
		"id": "TEXT PRIMARY KEY", "agent_id": "TEXT REFERENCES agents(id)",
		"name": "TEXT", "source": "TEXT NOT NULL", "channel_type": "TEXT NOT NULL",
		"channel_id": "TEXT", "server_id": "TEXT", "world_id": "TEXT",
		"metadata": "TEXT", "created_at": "INTEGER NOT NULL",
	},
	"entities": {
		"id": "TEXT PRIMARY KEY", "agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"name": "TEXT", "username": "TEXT", "email": "TEXT", "avatar_url": "TEXT",
		"metadata": "TEXT", "created_at": "INTEGER NOT NULL",
	},
	"participants": {
		"entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"room_id": "TEXT NOT NULL REFERENCES rooms(id)",
		"joined_at": "INTEGER NOT NULL", "metadata": "TEXT",
	},
	"relationships": {
		"entity_id_a": "TEXT NOT NULL REFERENCES entities(id)",
		"entity_id_b": "TEXT NOT NULL REFERENCES entities(id)",
		"type": "TEXT NOT NULL", "agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"metadata": "TEXT", "created_at": "INTEGER NOT NULL",
	},
	"components": {
		"id": "TEXT PRIMARY KEY", "entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"world_id": "TEXT NOT NULL REFERENCES worlds(id)", "source_entity_id": "TEXT",
		"type": "TEXT NOT NULL", "data": "TEXT",
		"created_at": "INTEGER NOT NULL", "updated_at": "INTEGER NOT NULL",
	},
	"memories": {
		"id": "TEXT PRIMARY KEY", "entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"agent_id": "TEXT NOT NULL REFERENCES agents(id)", "room_id": "TEXT NOT NULL REFERENCES rooms(id)",
		"partition": "TEXT NOT NULL", "content": "TEXT", "embedding": "TEXT",
		"metadata": "TEXT", "created_at": "INTEGER NOT NULL", "is_unique": "INTEGER",
	},
	"tasks": {
		"id": "TEXT PRIMARY KEY", "agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"task_type": "TEXT NOT NULL", "data": "TEXT", "status": "TEXT NOT NULL",
		"priority": "INTEGER NOT NULL", "scheduled_at": "INTEGER", "executed_at": "INTEGER",
		"retry_count": "INTEGER NOT NULL", "max_retries": "INTEGER NOT NULL", "error": "TEXT",
	},
	"logs": {
		"id": "TEXT PRIMARY KEY", "entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"room_id": "TEXT", "body": "TEXT NOT NULL", "log_type": "TEXT NOT NULL",
		"created_at": "INTEGER NOT NULL",
	},
	"llm_cost_records": {
		"id": "TEXT PRIMARY KEY", "timestamp": "INTEGER NOT NULL",
		"agent_id": "TEXT NOT NULL REFERENCES agents(id)", "conversation_id": "TEXT",
		"provider": "TEXT NOT NULL", "model": "TEXT NOT NULL", "temperature": "REAL",
		"prompt_tokens": "INTEGER", "completion_tokens": "INTEGER", "total_tokens": "INTEGER",
		"cached_tokens": "INTEGER", "input_cost_usd": "REAL", "output_cost_usd": "REAL",
		"total_cost_usd": "REAL", "latency_ms": "INTEGER", "ttft_ms": "INTEGER",
		"success": "INTEGER", "error": "TEXT", "prompt_hash": "TEXT", "prompt_preview": "TEXT",
	},
	"embedding_config": {
		"id": "INTEGER PRIMARY KEY", "dimension": "INTEGER NOT NULL",
	},
}

func toJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func fromJSON(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

func epoch(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromEpoch(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// --- Agent ---

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, character, created_at, updated_at FROM agents WHERE id = ?`, id.String())
	return scanAgent(row)
}

func (s *Store) GetAllAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, character, created_at, updated_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Database(err, "get all agents")
	}
	defer rows.Close()
	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	return scanAgentRows(row)
}

func scanAgentRows(row rowScanner) (*types.Agent, error) {
	var (
		id, name string
		char     sql.NullString
		created, updated int64
	)
	if err := row.Scan(&id, &name, &char, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("agent not found")
		}
		return nil, apperr.Database(err, "scan agent")
	}
	a := &types.Agent{ID: uuid.MustParse(id), Name: name, CreatedAt: fromEpoch(created), UpdatedAt: fromEpoch(updated)}
	if err := fromJSON(char, &a.Character); err != nil {
		return nil, apperr.Database(err, "decode character")
	}
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *types.Agent) error {
	if a.ID == uuid.Nil {
		a.ID = types.AgentID(a.Name)
	}
	char, err := toJSON(a.Character)
	if err != nil {
		return apperr.Validation("encode character: %v", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, character, created_at, updated_at) VALUES (?,?,?,?,?)`,
		a.ID.String(), a.Name, char, epoch(a.CreatedAt), epoch(a.UpdatedAt))
	if err != nil {
		return apperr.Database(err, "create agent")
	}
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *types.Agent) error {
	char, err := toJSON(a.Character)
	if err != nil {
		return apperr.Validation("encode character: %v", err)
	}
	a.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name=?, character=?, updated_at=? WHERE id=?`,
		a.Name, char, epoch(a.UpdatedAt), a.ID.String())
	if err != nil {
		return apperr.Database(err, "update agent")
	}
	return checkRowsAffected(res, "agent")
}

func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	// Deleting an agent cascades to everything keyed by agent_id.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Database(err, "begin delete-agent tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{
		`DELETE FROM memories WHERE agent_id = ?`,
		`DELETE FROM logs WHERE entity_id IN (SELECT id FROM entities WHERE agent_id = ?)`,
		`DELETE FROM relationships WHERE agent_id = ?`,
		`DELETE FROM components WHERE world_id IN (SELECT id FROM worlds WHERE agent_id = ?)`,
		`DELETE FROM participants WHERE room_id IN (SELECT id FROM rooms WHERE agent_id = ?)`,
		`DELETE FROM rooms WHERE agent_id = ?`,
		`DELETE FROM worlds WHERE agent_id = ?`,
		`DELETE FROM entities WHERE agent_id = ?`,
		`DELETE FROM tasks WHERE agent_id = ?`,
		`DELETE FROM llm_cost_records WHERE agent_id = ?`,
		`DELETE FROM agents WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id.String()); err != nil {
			return apperr.Database(err, "cascade delete agent")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database(err, "commit delete-agent")
	}
	return nil
}

func checkRowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err, "rows affected")
	}
	if n == 0 {
		return apperr.NotFound("%s not found", what)
	}
	return nil
}

// --- Entity ---

func (s *Store) GetEntityByID(ctx context.Context, id uuid.UUID) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, username, email, avatar_url, metadata, created_at FROM entities WHERE id = ?`, id.String())
	return scanEntity(row)
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var id, agentID string
	var name, username, email, avatar sql.NullString
	var meta sql.NullString
	var created int64
	if err := row.Scan(&id, &agentID, &name, &username, &email, &avatar, &meta, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("entity not found")
		}
		return nil, apperr.Database(err, "scan entity")
	}
	e := &types.Entity{
		ID: uuid.MustParse(id), AgentID: uuid.MustParse(agentID),
		Name: name.String, Username: username.String, Email: email.String, AvatarURL: avatar.String,
		CreatedAt: fromEpoch(created),
	}
	if err := fromJSON(meta, &e.Metadata); err != nil {
		return nil, apperr.Database(err, "decode entity metadata")
	}
	return e, nil
}

func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Entity, error) {
	var out []*types.Entity
	for _, id := range ids {
		e, err := s.GetEntityByID(ctx, id)
		if err != nil {
			if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetEntitiesForRoom(ctx context.Context, roomID uuid.UUID) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.agent_id, e.name, e.username, e.email, e.avatar_url, e.metadata, e.created_at
		FROM entities e JOIN participants p ON p.entity_id = e.id
		WHERE p.room_id = ?`, roomID.String())
	if err != nil {
		return nil, apperr.Database(err, "get entities for room")
	}
	defer rows.Close()
	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateEntities(ctx context.Context, entities []*types.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Database(err, "begin create-entities tx")
	}
	defer tx.Rollback() //nolint:errcheck
	for _, e := range entities {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		meta, err := toJSON(e.Metadata)
		if err != nil {
			return apperr.Validation("encode entity metadata: %v", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (id, agent_id, name, username, email, avatar_url, metadata, created_at)
			 VALUES (?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET name=excluded.name, username=excluded.username`,
			e.ID.String(), e.AgentID.String(), e.Name, e.Username, e.Email, e.AvatarURL, meta, epoch(e.CreatedAt))
		if err != nil {
			return apperr.Database(err, "create entity")
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateEntity(ctx context.Context, e *types.Entity) error {
	meta, err := toJSON(e.Metadata)
	if err != nil {
		return apperr.Validation("encode entity metadata: %v", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET name=?, username=?, email=?, avatar_url=?, metadata=? WHERE id=?`,
		e.Name, e.Username, e.Email, e.AvatarURL, meta, e.ID.String())
	if err != nil {
		return apperr.Database(err, "update entity")
	}
	return checkRowsAffected(res, "entity")
}

// --- World ---

func (s *Store) GetWorld(ctx context.Context, id uuid.UUID) (*types.World, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, agent_id, server_id, metadata FROM worlds WHERE id = ?`, id.String())
	return scanWorld(row)
}

func scanWorld(row rowScanner) (*types.World, error) {
	var id, name, agentID string
	var serverID, meta sql.NullString
	if err := row.Scan(&id, &name, &agentID, &serverID, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("world not found")
		}
		return nil, apperr.Database(err, "scan world")
	}
	w := &types.World{ID: uuid.MustParse(id), Name: name, AgentID: uuid.MustParse(agentID), ServerID: serverID.String}
	if err := fromJSON(meta, &w.Metadata); err != nil {
		return nil, apperr.Database(err, "decode world metadata")
	}
	return w, nil
}

// EnsureWorld implements the ensure-or-create lifecycle: the first
// call for a given ID creates the row, subsequent calls return the
// existing one.
func (s *Store) EnsureWorld(ctx context.Context, w *types.World) (*types.World, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	existing, err := s.GetWorld(ctx, w.ID)
	if err == nil {
		return existing, nil
	}
	meta, err := toJSON(w.Metadata)
	if err != nil {
		return nil, apperr.Validation("encode world metadata: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worlds (id, name, agent_id, server_id, metadata) VALUES (?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		w.ID.String(), w.Name, w.AgentID.String(), w.ServerID, meta)
	if err != nil {
		return nil, apperr.Database(err, "ensure world")
	}
	return w, nil
}

// --- Room ---

func (s *Store) GetRoom(ctx context.Context, id uuid.UUID) (*types.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, source, channel_type, channel_id, server_id, world_id, metadata, created_at
		FROM rooms WHERE id = ?`, id.String())
	return scanRoom(row)
}

func scanRoom(row rowScanner) (*types.Room, error) {
	var id string
	var agentID, channelID, serverID, worldID, meta sql.NullString
	var name, source, channelType string
	var created int64
	if err := row.Scan(&id, &agentID, &name, &source, &channelType, &channelID, &serverID, &worldID, &meta, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("room not found")
		}
		return nil, apperr.Database(err, "scan room")
	}
	r := &types.Room{
		ID: uuid.MustParse(id), Name: name, Source: source,
		ChannelType: types.ChannelType(channelType), ChannelID: channelID.String,
		ServerID: serverID.String, CreatedAt: fromEpoch(created),
	}
	if agentID.Valid && agentID.String != "" {
		r.AgentID = uuid.MustParse(agentID.String)
	}
	if worldID.Valid && worldID.String != "" {
		r.WorldID = uuid.MustParse(worldID.String)
	}
	if err := fromJSON(meta, &r.Metadata); err != nil {
		return nil, apperr.Database(err, "decode room metadata")
	}
	return r, nil
}

func (s *Store) CreateRoom(ctx context.Context, r *types.Room) error {
	if r.ID == uuid.Nil {
		r.ID = types.RoomID(r.Source, r.ServerID, r.ChannelID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	meta, err := toJSON(r.Metadata)
	if err != nil {
		return apperr.Validation("encode room metadata: %v", err)
	}
	var agentID, worldID any
	if r.AgentID != uuid.Nil {
		agentID = r.AgentID.String()
	}
	if r.WorldID != uuid.Nil {
		worldID = r.WorldID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, agent_id, name, source, channel_type, channel_id, server_id, world_id, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID.String(), agentID, r.Name, r.Source, string(r.ChannelType), r.ChannelID, r.ServerID, worldID, meta, epoch(r.CreatedAt))
	if err != nil {
		return apperr.Database(err, "create room")
	}
	return nil
}

func (s *Store) GetRoomsForWorld(ctx context.Context, worldID uuid.UUID) ([]*types.Room, error) {
	return s.queryRooms(ctx, `
		SELECT id, agent_id, name, source, channel_type, channel_id, server_id, world_id, metadata, created_at
		FROM rooms WHERE world_id = ? ORDER BY created_at`, worldID.String())
}

func (s *Store) GetRoomsForAgent(ctx context.Context, agentID uuid.UUID) ([]*types.Room, error) {
	return s.queryRooms(ctx, `
		SELECT id, agent_id, name, source, channel_type, channel_id, server_id, world_id, metadata, created_at
		FROM rooms WHERE agent_id = ? ORDER BY created_at`, agentID.String())
}

func (s *Store) queryRooms(ctx context.Context, query string, arg string) ([]*types.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, apperr.Database(err, "query rooms")
	}
	defer rows.Close()
	var out []*types.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Participant ---

func (s *Store) AddParticipant(ctx context.Context, p *types.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	meta, err := toJSON(p.Metadata)
	if err != nil {
		return apperr.Validation("encode participant metadata: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participants (entity_id, room_id, joined_at, metadata)
		 SELECT ?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM participants WHERE entity_id = ? AND room_id = ?)`,
		p.EntityID.String(), p.RoomID.String(), epoch(p.JoinedAt), meta, p.EntityID.String(), p.RoomID.String())
	if err != nil {
		return apperr.Database(err, "add participant")
	}
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, entityID, roomID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE entity_id = ? AND room_id = ?`,
		entityID.String(), roomID.String())
	if err != nil {
		return apperr.Database(err, "remove participant")
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]*types.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, room_id, joined_at, metadata FROM participants WHERE room_id = ?`, roomID.String())
	if err != nil {
		return nil, apperr.Database(err, "list participants")
	}
	defer rows.Close()
	var out []*types.Participant
	for rows.Next() {
		var entityID, rID string
		var joined int64
		var meta sql.NullString
		if err := rows.Scan(&entityID, &rID, &joined, &meta); err != nil {
			return nil, apperr.Database(err, "scan participant")
		}
		p := &types.Participant{EntityID: uuid.MustParse(entityID), RoomID: uuid.MustParse(rID), JoinedAt: fromEpoch(joined)}
		if err := fromJSON(meta, &p.Metadata); err != nil {
			return nil, apperr.Database(err, "decode participant metadata")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Relationship ---

func (s *Store) CreateRelationship(ctx context.Context, r *types.Relationship) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	meta, err := toJSON(r.Metadata)
	if err != nil {
		return apperr.Validation("encode relationship metadata: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships (entity_id_a, entity_id_b, type, agent_id, metadata, created_at)
		SELECT ?,?,?,?,?,?
		WHERE NOT EXISTS (SELECT 1 FROM relationships WHERE entity_id_a = ? AND entity_id_b = ? AND type = ?)`,
		r.EntityIDA.String(), r.EntityIDB.String(), r.Type, r.AgentID.String(), meta, epoch(r.CreatedAt),
		r.EntityIDA.String(), r.EntityIDB.String(), r.Type)
	if err != nil {
		return apperr.Database(err, "create relationship")
	}
	return nil
}

func (s *Store) GetRelationships(ctx context.Context, entityID uuid.UUID) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id_a, entity_id_b, type, agent_id, metadata, created_at
		FROM relationships WHERE entity_id_a = ? OR entity_id_b = ?`, entityID.String(), entityID.String())
	if err != nil {
		return nil, apperr.Database(err, "get relationships")
	}
	defer rows.Close()
	var out []*types.Relationship
	for rows.Next() {
		var a, b, typ, agentID string
		var meta sql.NullString
		var created int64
		if err := rows.Scan(&a, &b, &typ, &agentID, &meta, &created); err != nil {
			return nil, apperr.Database(err, "scan relationship")
		}
		rel := &types.Relationship{
			EntityIDA: uuid.MustParse(a), EntityIDB: uuid.MustParse(b), Type: typ,
			AgentID: uuid.MustParse(agentID), CreatedAt: fromEpoch(created),
		}
		if err := fromJSON(meta, &rel.Metadata); err != nil {
			return nil, apperr.Database(err, "decode relationship metadata")
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// --- Component ---

func (s *Store) GetComponent(ctx context.Context, id uuid.UUID) (*types.Component, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, world_id, source_entity_id, type, data, created_at, updated_at
		FROM components WHERE id = ?`, id.String())
	return scanComponent(row)
}

func scanComponent(row rowScanner) (*types.Component, error) {
	var id, entityID, worldID, typ string
	var sourceEntityID, data sql.NullString
	var created, updated int64
	if err := row.Scan(&id, &entityID, &worldID, &sourceEntityID, &typ, &data, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("component not found")
		}
		return nil, apperr.Database(err, "scan component")
	}
	c := &types.Component{
		ID: uuid.MustParse(id), EntityID: uuid.MustParse(entityID), WorldID: uuid.MustParse(worldID),
		Type: typ, CreatedAt: fromEpoch(created), UpdatedAt: fromEpoch(updated),
	}
	if sourceEntityID.Valid && sourceEntityID.String != "" {
		c.SourceEntityID = uuid.MustParse(sourceEntityID.String)
	}
	if err := fromJSON(data, &c.Data); err != nil {
		return nil, apperr.Database(err, "decode component data")
	}
	return c, nil
}

func (s *Store) GetComponents(ctx context.Context, entityID, worldID uuid.UUID) ([]*types.Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, world_id, source_entity_id, type, data, created_at, updated_at
		FROM components WHERE entity_id = ? AND world_id = ?`, entityID.String(), worldID.String())
	if err != nil {
		return nil, apperr.Database(err, "get components")
	}
	defer rows.Close()
	var out []*types.Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateComponent(ctx context.Context, c *types.Component) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	data, err := toJSON(c.Data)
	if err != nil {
		return apperr.Validation("encode component data: %v", err)
	}
	var sourceEntityID any
	if c.SourceEntityID != uuid.Nil {
		sourceEntityID = c.SourceEntityID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO components (id, entity_id, world_id, source_entity_id, type, data, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		c.ID.String(), c.EntityID.String(), c.WorldID.String(), sourceEntityID, c.Type, data, epoch(c.CreatedAt), epoch(c.UpdatedAt))
	if err != nil {
		return apperr.Database(err, "create component")
	}
	return nil
}

func (s *Store) UpdateComponent(ctx context.Context, c *types.Component) error {
	c.UpdatedAt = time.Now()
	data, err := toJSON(c.Data)
	if err != nil {
		return apperr.Validation("encode component data: %v", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE components SET data=?, updated_at=? WHERE id=?`, data, epoch(c.UpdatedAt), c.ID.String())
	if err != nil {
		return apperr.Database(err, "update component")
	}
	return checkRowsAffected(res, "component")
}

func (s *Store) DeleteComponent(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM components WHERE id = ?`, id.String())
	if err != nil {
		return apperr.Database(err, "delete component")
	}
	return checkRowsAffected(res, "component")
}

// --- Memory ---

func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	content, err := toJSON(m.Content)
	if err != nil {
		return apperr.Validation("encode memory content: %v", err)
	}
	embedding, err := toJSON(m.Embedding)
	if err != nil {
		return apperr.Validation("encode memory embedding: %v", err)
	}
	meta, err := toJSON(m.Metadata)
	if err != nil {
		return apperr.Validation("encode memory metadata: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, entity_id, agent_id, room_id, partition, content, embedding, metadata, created_at, is_unique)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID.String(), m.EntityID.String(), m.AgentID.String(), m.RoomID.String(), m.Partition,
		content, embedding, meta, epoch(m.CreatedAt), boolToInt(m.Unique))
	if err != nil {
		return apperr.Database(err, "create memory")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) UpdateMemory(ctx context.Context, m *types.Memory) error {
	content, err := toJSON(m.Content)
	if err != nil {
		return apperr.Validation("encode memory content: %v", err)
	}
	embedding, err := toJSON(m.Embedding)
	if err != nil {
		return apperr.Validation("encode memory embedding: %v", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET content=?, embedding=? WHERE id=?`, content, embedding, m.ID.String())
	if err != nil {
		return apperr.Database(err, "update memory")
	}
	return checkRowsAffected(res, "memory")
}

func (s *Store) RemoveMemory(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id.String())
	if err != nil {
		return apperr.Database(err, "remove memory")
	}
	return checkRowsAffected(res, "memory")
}

func (s *Store) RemoveAllMemories(ctx context.Context, roomID uuid.UUID, partition string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE room_id = ? AND partition = ?`, roomID.String(), partition)
	if err != nil {
		return apperr.Database(err, "remove all memories")
	}
	return nil
}

func (s *Store) CountMemories(ctx context.Context, q storage.MemoryQuery) (int, error) {
	query, args := countMemoriesQuery(q)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperr.Database(err, "count memories")
	}
	return n, nil
}

func countMemoriesQuery(q storage.MemoryQuery) (string, []any) {
	query := `SELECT COUNT(*) FROM memories WHERE agent_id = ?`
	args := []any{q.AgentID.String()}
	if q.RoomID != nil {
		query += ` AND room_id = ?`
		args = append(args, q.RoomID.String())
	}
	if q.Partition != "" {
		query += ` AND partition = ?`
		args = append(args, q.Partition)
	}
	return query, args
}

// QueryMemories sorts by created_at so callers reconstruct dialogue
// order.
func (s *Store) QueryMemories(ctx context.Context, q storage.MemoryQuery) ([]*types.Memory, error) {
	query := `SELECT id, entity_id, agent_id, room_id, partition, content, embedding, metadata, created_at, is_unique FROM memories WHERE agent_id = ?`
	args := []any{q.AgentID.String()}
	if q.RoomID != nil {
		query += ` AND room_id = ?`
		args = append(args, q.RoomID.String())
	}
	if q.Partition != "" {
		query += ` AND partition = ?`
		args = append(args, q.Partition)
	}
	if q.Before != nil {
		query += ` AND created_at < ?`
		args = append(args, q.Before.Unix())
	}
	query += ` ORDER BY created_at ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Database(err, "query memories")
	}
	defer rows.Close()
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var id, entityID, agentID, roomID, partition string
	var content, embedding, meta sql.NullString
	var created int64
	var isUnique int
	if err := row.Scan(&id, &entityID, &agentID, &roomID, &partition, &content, &embedding, &meta, &created, &isUnique); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("memory not found")
		}
		return nil, apperr.Database(err, "scan memory")
	}
	m := &types.Memory{
		ID: uuid.MustParse(id), EntityID: uuid.MustParse(entityID), AgentID: uuid.MustParse(agentID),
		RoomID: uuid.MustParse(roomID), Partition: partition, CreatedAt: fromEpoch(created), Unique: isUnique != 0,
	}
	if err := fromJSON(content, &m.Content); err != nil {
		return nil, apperr.Database(err, "decode memory content")
	}
	if err := fromJSON(embedding, &m.Embedding); err != nil {
		return nil, apperr.Database(err, "decode memory embedding")
	}
	if err := fromJSON(meta, &m.Metadata); err != nil {
		return nil, apperr.Database(err, "decode memory metadata")
	}
	return m, nil
}

func (s *Store) GetCachedEmbeddings(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]float32, error) {
	out := make(map[uuid.UUID][]float32, len(ids))
	for _, id := range ids {
		var embedding sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT embedding FROM memories WHERE id = ?`, id.String()).Scan(&embedding)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, apperr.Database(err, "get cached embeddings")
		}
		var vec []float32
		if err := fromJSON(embedding, &vec); err != nil {
			return nil, apperr.Database(err, "decode cached embedding")
		}
		if len(vec) > 0 {
			out[id] = vec
		}
	}
	return out, nil
}

// SearchMemoriesByEmbedding always fails: SQLite has no native vector
// index in this deployment. Callers MUST fall back to a
// recency-ordered QueryMemories.
func (s *Store) SearchMemoriesByEmbedding(ctx context.Context, q storage.VectorSearchQuery) ([]*types.Memory, error) {
	return nil, apperr.New(apperr.KindDatabase, "vector search not implemented on the sqlite backend")
}

// --- Task ---

func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	data, err := toJSON(t.Data)
	if err != nil {
		return apperr.Validation("encode task data: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, agent_id, task_type, data, status, priority, scheduled_at, executed_at, retry_count, max_retries, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID.String(), t.AgentID.String(), t.TaskType, data, string(t.Status), t.Priority,
		nullableEpoch(t.ScheduledAt), nullableEpoch(t.ExecutedAt), t.RetryCount, t.MaxRetries, t.Error)
	if err != nil {
		return apperr.Database(err, "create task")
	}
	return nil
}

func nullableEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func (s *Store) UpdateTask(ctx context.Context, t *types.Task) error {
	data, err := toJSON(t.Data)
	if err != nil {
		return apperr.Validation("encode task data: %v", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET data=?, status=?, priority=?, scheduled_at=?, executed_at=?, retry_count=?, max_retries=?, error=?
		WHERE id=?`,
		data, string(t.Status), t.Priority, nullableEpoch(t.ScheduledAt), nullableEpoch(t.ExecutedAt),
		t.RetryCount, t.MaxRetries, t.Error, t.ID.String())
	if err != nil {
		return apperr.Database(err, "update task")
	}
	return checkRowsAffected(res, "task")
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, task_type, data, status, priority, scheduled_at, executed_at, retry_count, max_retries, error
		FROM tasks WHERE id = ?`, id.String())
	return scanTask(row)
}

func scanTask(row rowScanner) (*types.Task, error) {
	var id, agentID, taskType, status, errMsg string
	var data sql.NullString
	var priority, retryCount, maxRetries int
	var scheduledAt, executedAt sql.NullInt64
	if err := row.Scan(&id, &agentID, &taskType, &data, &status, &priority, &scheduledAt, &executedAt, &retryCount, &maxRetries, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("task not found")
		}
		return nil, apperr.Database(err, "scan task")
	}
	t := &types.Task{
		ID: uuid.MustParse(id), AgentID: uuid.MustParse(agentID), TaskType: taskType,
		Status: types.TaskStatus(status), Priority: priority, RetryCount: retryCount, MaxRetries: maxRetries, Error: errMsg,
	}
	if scheduledAt.Valid {
		ts := fromEpoch(scheduledAt.Int64)
		t.ScheduledAt = &ts
	}
	if executedAt.Valid {
		ts := fromEpoch(executedAt.Int64)
		t.ExecutedAt = &ts
	}
	if err := fromJSON(data, &t.Data); err != nil {
		return nil, apperr.Database(err, "decode task data")
	}
	return t, nil
}

// GetPendingTasks pulls PENDING tasks in priority-desc, schedule-asc
// order.
func (s *Store) GetPendingTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	query := `
		SELECT id, agent_id, task_type, data, status, priority, scheduled_at, executed_at, retry_count, max_retries, error
		FROM tasks WHERE status = ? ORDER BY priority DESC, COALESCE(scheduled_at, 0) ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(types.TaskPending))
	if err != nil {
		return nil, apperr.Database(err, "get pending tasks")
	}
	defer rows.Close()
	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Log ---

func (s *Store) Log(ctx context.Context, l *types.Log) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	var roomID any
	if l.RoomID != nil {
		roomID = l.RoomID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, entity_id, room_id, body, log_type, created_at) VALUES (?,?,?,?,?,?)`,
		l.ID.String(), l.EntityID.String(), roomID, l.Body, l.LogType, epoch(l.CreatedAt))
	if err != nil {
		return apperr.Database(err, "log")
	}
	return nil
}

func (s *Store) GetLogs(ctx context.Context, entityID uuid.UUID, limit int) ([]*types.Log, error) {
	query := `SELECT id, entity_id, room_id, body, log_type, created_at FROM logs WHERE entity_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, entityID.String())
	if err != nil {
		return nil, apperr.Database(err, "get logs")
	}
	defer rows.Close()
	var out []*types.Log
	for rows.Next() {
		var id, eid, body, logType string
		var roomID sql.NullString
		var created int64
		if err := rows.Scan(&id, &eid, &roomID, &body, &logType, &created); err != nil {
			return nil, apperr.Database(err, "scan log")
		}
		l := &types.Log{ID: uuid.MustParse(id), EntityID: uuid.MustParse(eid), Body: body, LogType: logType, CreatedAt: fromEpoch(created)}
		if roomID.Valid && roomID.String != "" {
			rid := uuid.MustParse(roomID.String)
			l.RoomID = &rid
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Observability ---

func (s *Store) PersistLLMCost(ctx context.Context, rec *types.LLMCostRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	var convID any
	if rec.ConversationID != nil {
		convID = rec.ConversationID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_cost_records (id, timestamp, agent_id, conversation_id, provider, model, temperature,
			prompt_tokens, completion_tokens, total_tokens, cached_tokens, input_cost_usd, output_cost_usd,
			total_cost_usd, latency_ms, ttft_ms, success, error, prompt_hash, prompt_preview)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID.String(), epoch(rec.Timestamp), rec.AgentID.String(), convID, rec.Provider, rec.Model, rec.Temperature,
		rec.PromptTokens, rec.CompletionTok, rec.TotalTokens, rec.CachedTokens, rec.InputCostUSD, rec.OutputCostUSD,
		rec.TotalCostUSD, rec.LatencyMS, rec.TTFTMs, boolToInt(rec.Success), rec.Error, rec.PromptHash, rec.PromptPreview)
	if err != nil {
		return apperr.Database(err, "persist llm cost")
	}
	return nil
}

func (s *Store) GetAgentRunSummaries(ctx context.Context, agentID uuid.UUID, since time.Time) ([]storage.AgentRunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT MIN(timestamp), SUM(total_cost_usd), SUM(total_tokens), COUNT(*)
		FROM llm_cost_records WHERE agent_id = ? AND timestamp >= ?`, agentID.String(), since.Unix())
	if err != nil {
		return nil, apperr.Database(err, "get agent run summaries")
	}
	defer rows.Close()
	var out []storage.AgentRunSummary
	for rows.Next() {
		var started sql.NullInt64
		var cost sql.NullFloat64
		var tokens, count sql.NullInt64
		if err := rows.Scan(&started, &cost, &tokens, &count); err != nil {
			return nil, apperr.Database(err, "scan run summary")
		}
		if !count.Valid || count.Int64 == 0 {
			continue
		}
		out = append(out, storage.AgentRunSummary{
			AgentID: agentID, StartedAt: fromEpoch(started.Int64),
			TotalCostUSD: cost.Float64, TotalTokens: int(tokens.Int64), CallCount: int(count.Int64),
		})
	}
	return out, rows.Err()
}

// --- Embedding ---

// EnsureEmbeddingDimension records the configured embedding dimension.
// A mismatched later call is an error: every vector on a logical
// partition shares one dimension. Memory writes in this backend are not
// checked against the recorded dimension.
func (s *Store) EnsureEmbeddingDimension(ctx context.Context, dim int) error {
	var existing int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM embedding_config WHERE id = 1`).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err := s.db.ExecContext(ctx, `INSERT INTO embedding_config (id, dimension) VALUES (1, ?)`, dim)
		if err != nil {
			return apperr.Database(err, "set embedding dimension")
		}
		s.embedDim = dim
		return nil
	}
	if err != nil {
		return apperr.Database(err, "get embedding dimension")
	}
	if existing != dim {
		return apperr.VectorDimension(dim, existing)
	}
	s.embedDim = existing
	return nil
}

var _ storage.Store = (*Store)(nil)

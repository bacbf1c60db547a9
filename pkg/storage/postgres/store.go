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

// Package postgres implements the storage.Store contract with native
// vector search, expressed as a `<->` distance operator over a
// `vector` column — the idiom pgvector-go uses for the same concern,
// hand-mirrored here since this package has no ORM/struct-mapping
// layer to plug a client library into.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

// Store is the Postgres-backed storage.Store implementation.
type Store struct {
	db       *sql.DB
	tracer   observability.Tracer
	migrator *Migrator
	embedDim int
}

// Open opens a Postgres connection pool via the given DSN.
func Open(ctx context.Context, dsn string, tracer observability.Tracer) (*Store, error) {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	migrator, err := NewMigrator(db, tracer)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, tracer: tracer, migrator: migrator}, nil
}

func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		// The error is ignored here, but the core schema declares
		// memories.embedding as vector(1536), so without the pgvector
		// extension the migration below fails.
	}
	return s.migrator.Apply(ctx, []storage.PluginSchema{{Plugin: "core", Tables: coreSchema}})
}

func (s *Store) IsReady(ctx context.Context) bool { return s.db.PingContext(ctx) == nil }
func (s *Store) Close() error                     { return s.db.Close() }

func (s *Store) RunPluginMigrations(ctx context.Context, plugins []storage.PluginSchema) error {
	return s.migrator.Apply(ctx, append([]storage.PluginSchema{{Plugin: "core", Tables: coreSchema}}, plugins...))
}

func (s *Store) SupportsVectorSearch() bool { return true }

// coreSchema mirrors pkg/storage/sqlite's built-in table set, using
// Postgres column types (JSONB for structured columns, and a
// vector(1536) embedding column on memories for vector search).
var coreSchema = map[string]map[string]string{
	"agents": {
		"id": "TEXT PRIMARY KEY", "name": "TEXT NOT NULL", "character": "JSONB",
		"created_at": "BIGINT NOT NULL", "updated_at": "BIGINT NOT NULL",
	},
	"worlds": {
		"id": "TEXT PRIMARY KEY", "name": "TEXT NOT NULL",
		"agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"server_id": "TEXT", "metadata": "JSONB",
	},
	"rooms": {
		"id": "TEXT PRIMARY KEY", "agent_id": "TEXT REFERENCES agents(id)",
		"name": "TEXT", "source": "TEXT NOT NULL", "channel_type": "TEXT NOT NULL",
		"channel_id": "TEXT", "server_id": "TEXT", "world_id": "TEXT",
		"metadata": "JSONB", "created_at": "BIGINT NOT NULL",
	},
	"entities": {
		"id": "TEXT PRIMARY KEY", "agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"name": "TEXT", "username": "TEXT", "email": "TEXT", "avatar_url": "TEXT",
		"metadata": "JSONB", "created_at": "BIGINT NOT NULL",
	},
	"participants": {
		"entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"room_id": "TEXT NOT NULL REFERENCES rooms(id)",
		"joined_at": "BIGINT NOT NULL", "metadata": "JSONB",
	},
	"relationships": {
		"entity_id_a": "TEXT NOT NULL REFERENCES entities(id)",
		"entity_id_b": "TEXT NOT NULL REFERENCES entities(id)",
		"type": "TEXT NOT NULL", "agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"metadata": "JSONB", "created_at": "BIGINT NOT NULL",
	},
	"components": {
		"id": "TEXT PRIMARY KEY", "entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"world_id": "TEXT NOT NULL REFERENCES worlds(id)", "source_entity_id": "TEXT",
		"type": "TEXT NOT NULL", "data": "JSONB",
		"created_at": "BIGINT NOT NULL", "updated_at": "BIGINT NOT NULL",
	},
	"memories": {
		"id": "TEXT PRIMARY KEY", "entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"agent_id": "TEXT NOT NULL REFERENCES agents(id)", "room_id": "TEXT NOT NULL REFERENCES rooms(id)",
		"partition": "TEXT NOT NULL", "content": "JSONB", "embedding": "vector(1536)",
		"metadata": "JSONB", "created_at": "BIGINT NOT NULL", "is_unique": "BOOLEAN",
	},
	"tasks": {
		"id": "TEXT PRIMARY KEY", "agent_id": "TEXT NOT NULL REFERENCES agents(id)",
		"task_type": "TEXT NOT NULL", "data": "JSONB", "status": "TEXT NOT NULL",
		"priority": "INTEGER NOT NULL", "scheduled_at": "BIGINT", "executed_at": "BIGINT",
		"retry_count": "INTEGER NOT NULL", "max_retries": "INTEGER NOT NULL", "error": "TEXT",
	},
	"logs": {
		"id": "TEXT PRIMARY KEY", "entity_id": "TEXT NOT NULL REFERENCES entities(id)",
		"room_id": "TEXT", "body": "TEXT NOT NULL", "log_type": "TEXT NOT NULL",
		"created_at": "BIGINT NOT NULL",
	},
	"llm_cost_records": {
		"id": "TEXT PRIMARY KEY", "timestamp": "BIGINT NOT NULL",
		"agent_id": "TEXT NOT NULL REFERENCES agents(id)", "conversation_id": "TEXT",
		"provider": "TEXT NOT NULL", "model": "TEXT NOT NULL", "temperature": "DOUBLE PRECISION",
		"prompt_tokens": "INTEGER", "completion_tokens": "INTEGER", "total_tokens": "INTEGER",
		"cached_tokens": "INTEGER", "input_cost_usd": "DOUBLE PRECISION", "output_cost_usd": "DOUBLE PRECISION",
		"total_cost_usd": "DOUBLE PRECISION", "latency_ms": "BIGINT", "ttft_ms": "BIGINT",
		"success": "BOOLEAN", "error": "TEXT", "prompt_hash": "TEXT", "prompt_preview": "TEXT",
	},
	"embedding_config": {
		"id": "INTEGER PRIMARY KEY", "dimension": "INTEGER NOT NULL",
	},
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
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

type rowScanner interface {
	Scan(dest ...any) error
}

// vectorLiteral renders a []float32 as pgvector's input literal,
// e.g. "[0.1,0.2,0.3]".
func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// --- Agent ---

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, character, created_at, updated_at FROM agents WHERE id = $1`, id.String())
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
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var id, name string
	var char []byte
	var created, updated int64
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
		`INSERT INTO agents (id, name, character, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
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
		`UPDATE agents SET name=$1, character=$2, updated_at=$3 WHERE id=$4`,
		a.Name, char, epoch(a.UpdatedAt), a.ID.String())
	if err != nil {
		return apperr.Database(err, "update agent")
	}
	return checkRowsAffected(res, "agent")
}

func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Database(err, "begin delete-agent tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{
		`DELETE FROM memories WHERE agent_id = $1`,
		`DELETE FROM logs WHERE entity_id IN (SELECT id FROM entities WHERE agent_id = $1)`,
		`DELETE FROM relationships WHERE agent_id = $1`,
		`DELETE FROM components WHERE world_id IN (SELECT id FROM worlds WHERE agent_id = $1)`,
		`DELETE FROM participants WHERE room_id IN (SELECT id FROM rooms WHERE agent_id = $1)`,
		`DELETE FROM rooms WHERE agent_id = $1`,
		`DELETE FROM worlds WHERE agent_id = $1`,
		`DELETE FROM entities WHERE agent_id = $1`,
		`DELETE FROM tasks WHERE agent_id = $1`,
		`DELETE FROM llm_cost_records WHERE agent_id = $1`,
		`DELETE FROM agents WHERE id = $1`,
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

// --- Entity ---

func (s *Store) GetEntityByID(ctx context.Context, id uuid.UUID) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, username, email, avatar_url, metadata, created_at FROM entities WHERE id = $1`, id.String())
	return scanEntity(row)
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var id, agentID string
	var name, username, email, avatar sql.NullString
	var meta []byte
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
		WHERE p.room_id = $1`, roomID.String())
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (id, agent_id, name, username, email, avatar_url, metadata, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET name=excluded.name, username=excluded.username`,
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
		`UPDATE entities SET name=$1, username=$2, email=$3, avatar_url=$4, metadata=$5 WHERE id=$6`,
		e.Name, e.Username, e.Email, e.AvatarURL, meta, e.ID.String())
	if err != nil {
		return apperr.Database(err, "update entity")
	}
	return checkRowsAffected(res, "entity")
}

// --- World ---

func (s *Store) GetWorld(ctx context.Context, id uuid.UUID) (*types.World, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, agent_id, server_id, metadata FROM worlds WHERE id = $1`, id.String())
	return scanWorld(row)
}

func scanWorld(row rowScanner) (*types.World, error) {
	var id, name, agentID string
	var serverID sql.NullString
	var meta []byte
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
		`INSERT INTO worlds (id, name, agent_id, server_id, metadata) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO NOTHING`,
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
		FROM rooms WHERE id = $1`, id.String())
	return scanRoom(row)
}

func scanRoom(row rowScanner) (*types.Room, error) {
	var id string
	var agentID, channelID, serverID, worldID sql.NullString
	var name, source, channelType string
	var meta []byte
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`,
		r.ID.String(), agentID, r.Name, r.Source, string(r.ChannelType), r.ChannelID, r.ServerID, worldID, meta, epoch(r.CreatedAt))
	if err != nil {
		return apperr.Database(err, "create room")
	}
	return nil
}

func (s *Store) GetRoomsForWorld(ctx context.Context, worldID uuid.UUID) ([]*types.Room, error) {
	return s.queryRooms(ctx, `
		SELECT id, agent_id, name, source, channel_type, channel_id, server_id, world_id, metadata, created_at
		FROM rooms WHERE world_id = $1 ORDER BY created_at`, worldID.String())
}

func (s *Store) GetRoomsForAgent(ctx context.Context, agentID uuid.UUID) ([]*types.Room, error) {
	return s.queryRooms(ctx, `
		SELECT id, agent_id, name, source, channel_type, channel_id, server_id, world_id, metadata, created_at
		FROM rooms WHERE agent_id = $1 ORDER BY created_at`, agentID.String())
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
		`INSERT INTO participants (entity_id, room_id, joined_at, metadata) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (entity_id, room_id) DO NOTHING`,
		p.EntityID.String(), p.RoomID.String(), epoch(p.JoinedAt), meta)
	if err != nil {
		return apperr.Database(err, "add participant")
	}
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, entityID, roomID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE entity_id = $1 AND room_id = $2`,
		entityID.String(), roomID.String())
	if err != nil {
		return apperr.Database(err, "remove participant")
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]*types.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, room_id, joined_at, metadata FROM participants WHERE room_id = $1`, roomID.String())
	if err != nil {
		return nil, apperr.Database(err, "list participants")
	}
	defer rows.Close()
	var out []*types.Participant
	for rows.Next() {
		var entityID, rID string
		var joined int64
		var meta []byte
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
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (entity_id_a, entity_id_b, type) DO NOTHING`,
		r.EntityIDA.String(), r.EntityIDB.String(), r.Type, r.AgentID.String(), meta, epoch(r.CreatedAt))
	if err != nil {
		return apperr.Database(err, "create relationship")
	}
	return nil
}

func (s *Store) GetRelationships(ctx context.Context, entityID uuid.UUID) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id_a, entity_id_b, type, agent_id, metadata, created_at
		FROM relationships WHERE entity_id_a = $1 OR entity_id_b = $1`, entityID.String())
	if err != nil {
		return nil, apperr.Database(err, "get relationships")
	}
	defer rows.Close()
	var out []*types.Relationship
	for rows.Next() {
		var a, b, typ, agentID string
		var meta []byte
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
		FROM components WHERE id = $1`, id.String())
	return scanComponent(row)
}

func scanComponent(row rowScanner) (*types.Component, error) {
	var id, entityID, worldID, typ string
	var sourceEntityID sql.NullString
	var data []byte
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
		FROM components WHERE entity_id = $1 AND world_id = $2`, entityID.String(), worldID.String())
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
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
	res, err := s.db.ExecContext(ctx, `UPDATE components SET data=$1, updated_at=$2 WHERE id=$3`, data, epoch(c.UpdatedAt), c.ID.String())
	if err != nil {
		return apperr.Database(err, "update component")
	}
	return checkRowsAffected(res, "component")
}

func (s *Store) DeleteComponent(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM components WHERE id = $1`, id.String())
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
	meta, err := toJSON(m.Metadata)
	if err != nil {
		return apperr.Validation("encode memory metadata: %v", err)
	}
	var embedding any
	if len(m.Embedding) > 0 {
		embedding = vectorLiteral(m.Embedding)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, entity_id, agent_id, room_id, partition, content, embedding, metadata, created_at, is_unique)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID.String(), m.EntityID.String(), m.AgentID.String(), m.RoomID.String(), m.Partition,
		content, embedding, meta, epoch(m.CreatedAt), m.Unique)
	if err != nil {
		return apperr.Database(err, "create memory")
	}
	return nil
}

func (s *Store) UpdateMemory(ctx context.Context, m *types.Memory) error {
	content, err := toJSON(m.Content)
	if err != nil {
		return apperr.Validation("encode memory content: %v", err)
	}
	var embedding any
	if len(m.Embedding) > 0 {
		embedding = vectorLiteral(m.Embedding)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET content=$1, embedding=$2 WHERE id=$3`, content, embedding, m.ID.String())
	if err != nil {
		return apperr.Database(err, "update memory")
	}
	return checkRowsAffected(res, "memory")
}

func (s *Store) RemoveMemory(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id.String())
	if err != nil {
		return apperr.Database(err, "remove memory")
	}
	return checkRowsAffected(res, "memory")
}

func (s *Store) RemoveAllMemories(ctx context.Context, roomID uuid.UUID, partition string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE room_id = $1 AND partition = $2`, roomID.String(), partition)
	if err != nil {
		return apperr.Database(err, "remove all memories")
	}
	return nil
}

func (s *Store) CountMemories(ctx context.Context, q storage.MemoryQuery) (int, error) {
	query := `SELECT COUNT(*) FROM memories WHERE agent_id = $1`
	args := []any{q.AgentID.String()}
	if q.RoomID != nil {
		args = append(args, q.RoomID.String())
		query += fmt.Sprintf(` AND room_id = $%d`, len(args))
	}
	if q.Partition != "" {
		args = append(args, q.Partition)
		query += fmt.Sprintf(` AND partition = $%d`, len(args))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperr.Database(err, "count memories")
	}
	return n, nil
}

func (s *Store) QueryMemories(ctx context.Context, q storage.MemoryQuery) ([]*types.Memory, error) {
	query := `SELECT id, entity_id, agent_id, room_id, partition, content, metadata, created_at, is_unique FROM memories WHERE agent_id = $1`
	args := []any{q.AgentID.String()}
	if q.RoomID != nil {
		args = append(args, q.RoomID.String())
		query += fmt.Sprintf(` AND room_id = $%d`, len(args))
	}
	if q.Partition != "" {
		args = append(args, q.Partition)
		query += fmt.Sprintf(` AND partition = $%d`, len(args))
	}
	if q.Before != nil {
		args = append(args, q.Before.Unix())
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
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
		m, err := scanMemoryNoEmbedding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemoryNoEmbedding(row rowScanner) (*types.Memory, error) {
	var id, entityID, agentID, roomID, partition string
	var content, meta []byte
	var created int64
	var isUnique bool
	if err := row.Scan(&id, &entityID, &agentID, &roomID, &partition, &content, &meta, &created, &isUnique); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("memory not found")
		}
		return nil, apperr.Database(err, "scan memory")
	}
	m := &types.Memory{
		ID: uuid.MustParse(id), EntityID: uuid.MustParse(entityID), AgentID: uuid.MustParse(agentID),
		RoomID: uuid.MustParse(roomID), Partition: partition, CreatedAt: fromEpoch(created), Unique: isUnique,
	}
	if err := fromJSON(content, &m.Content); err != nil {
		return nil, apperr.Database(err, "decode memory content")
	}
	if err := fromJSON(meta, &m.Metadata); err != nil {
		return nil, apperr.Database(err, "decode memory metadata")
	}
	return m, nil
}

func (s *Store) GetCachedEmbeddings(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]float32, error) {
	out := make(map[uuid.UUID][]float32, len(ids))
	for _, id := range ids {
		var raw sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT embedding::text FROM memories WHERE id = $1`, id.String()).Scan(&raw)
		if err == sql.ErrNoRows || !raw.Valid {
			continue
		}
		if err != nil {
			return nil, apperr.Database(err, "get cached embeddings")
		}
		vec := parseVectorLiteral(raw.String)
		if len(vec) > 0 {
			out[id] = vec
		}
	}
	return out, nil
}

func parseVectorLiteral(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			continue
		}
		out = append(out, float32(f))
	}
	return out
}

// SearchMemoriesByEmbedding runs a nearest-neighbor query using
// pgvector's `<->` (Euclidean) distance operator, rejecting any
// vector whose dimension doesn't match the configured one.
func (s *Store) SearchMemoriesByEmbedding(ctx context.Context, q storage.VectorSearchQuery) ([]*types.Memory, error) {
	if !storage.VectorSearchTables[q.Table] {
		return nil, apperr.Validation("table %q is not in the vector-search whitelist", q.Table)
	}
	if err := storage.ValidateIdentifier(q.Table); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	if s.embedDim != 0 && len(q.Embedding) != s.embedDim {
		return nil, apperr.VectorDimension(len(q.Embedding), s.embedDim)
	}

	k := q.K
	if k <= 0 {
		k = 10
	}
	query := fmt.Sprintf(`
		SELECT id, entity_id, agent_id, room_id, partition, content, metadata, created_at, is_unique,
		       embedding <-> $1 AS distance
		FROM %s WHERE agent_id = $2`, q.Table)
	args := []any{vectorLiteral(q.Embedding), q.AgentID.String()}
	if q.RoomID != nil {
		args = append(args, q.RoomID.String())
		query += fmt.Sprintf(` AND room_id = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY distance ASC LIMIT %d`, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Database(err, "search memories by embedding")
	}
	defer rows.Close()
	var out []*types.Memory
	for rows.Next() {
		var id, entityID, agentID, roomID, partition string
		var content, meta []byte
		var created int64
		var isUnique bool
		var distance float64
		if err := rows.Scan(&id, &entityID, &agentID, &roomID, &partition, &content, &meta, &created, &isUnique, &distance); err != nil {
			return nil, apperr.Database(err, "scan vector search result")
		}
		m := &types.Memory{
			ID: uuid.MustParse(id), EntityID: uuid.MustParse(entityID), AgentID: uuid.MustParse(agentID),
			RoomID: uuid.MustParse(roomID), Partition: partition, CreatedAt: fromEpoch(created),
			Unique: isUnique, Similarity: 1 / (1 + distance),
		}
		if err := fromJSON(content, &m.Content); err != nil {
			return nil, apperr.Database(err, "decode memory content")
		}
		if err := fromJSON(meta, &m.Metadata); err != nil {
			return nil, apperr.Database(err, "decode memory metadata")
		}
		out = append(out, m)
	}
	return out, rows.Err()
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
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
		UPDATE tasks SET data=$1, status=$2, priority=$3, scheduled_at=$4, executed_at=$5, retry_count=$6, max_retries=$7, error=$8
		WHERE id=$9`,
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
		FROM tasks WHERE id = $1`, id.String())
	return scanTask(row)
}

func scanTask(row rowScanner) (*types.Task, error) {
	var id, agentID, taskType, status, errMsg string
	var data []byte
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

func (s *Store) GetPendingTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	query := `
		SELECT id, agent_id, task_type, data, status, priority, scheduled_at, executed_at, retry_count, max_retries, error
		FROM tasks WHERE status = $1 ORDER BY priority DESC, COALESCE(scheduled_at, 0) ASC`
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
		`INSERT INTO logs (id, entity_id, room_id, body, log_type, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		l.ID.String(), l.EntityID.String(), roomID, l.Body, l.LogType, epoch(l.CreatedAt))
	if err != nil {
		return apperr.Database(err, "log")
	}
	return nil
}

func (s *Store) GetLogs(ctx context.Context, entityID uuid.UUID, limit int) ([]*types.Log, error) {
	query := `SELECT id, entity_id, room_id, body, log_type, created_at FROM logs WHERE entity_id = $1 ORDER BY created_at DESC`
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		rec.ID.String(), epoch(rec.Timestamp), rec.AgentID.String(), convID, rec.Provider, rec.Model, rec.Temperature,
		rec.PromptTokens, rec.CompletionTok, rec.TotalTokens, rec.CachedTokens, rec.InputCostUSD, rec.OutputCostUSD,
		rec.TotalCostUSD, rec.LatencyMS, rec.TTFTMs, rec.Success, rec.Error, rec.PromptHash, rec.PromptPreview)
	if err != nil {
		return apperr.Database(err, "persist llm cost")
	}
	return nil
}

func (s *Store) GetAgentRunSummaries(ctx context.Context, agentID uuid.UUID, since time.Time) ([]storage.AgentRunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT MIN(timestamp), SUM(total_cost_usd), SUM(total_tokens), COUNT(*)
		FROM llm_cost_records WHERE agent_id = $1 AND timestamp >= $2`, agentID.String(), since.Unix())
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

func (s *Store) EnsureEmbeddingDimension(ctx context.Context, dim int) error {
	var existing int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM embedding_config WHERE id = 1`).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err := s.db.ExecContext(ctx, `INSERT INTO embedding_config (id, dimension) VALUES (1, $1)`, dim)
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

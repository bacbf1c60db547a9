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

// Package storage defines the abstract persistence contract every
// backend (sqlite, postgres) implements, plus the shared plugin
// migration engine and identifier validation both backends run
// through. It has two concrete implementations: pkg/storage/sqlite
// (no native vector search) and pkg/storage/postgres (vector search
// via a `<->` distance operator).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conversant/agentrt/pkg/types"
)

// MemoryQuery filters a Memory listing.
type MemoryQuery struct {
	AgentID   uuid.UUID
	RoomID    *uuid.UUID
	Partition string
	Limit     int
	Before    *time.Time
}

// VectorSearchQuery parameterizes a nearest-neighbor memory search.
type VectorSearchQuery struct {
	Table     string
	Embedding []float32
	AgentID   uuid.UUID
	RoomID    *uuid.UUID
	K         int
}

// AgentRunSummary aggregates cost and activity for one run.
type AgentRunSummary struct {
	RunID        uuid.UUID
	AgentID      uuid.UUID
	StartedAt    time.Time
	TotalCostUSD float64
	TotalTokens  int
	CallCount    int
}

// Store is the full persistence contract every backend implements.
// A backend that cannot support vector search
// returns an *apperr.Error (the SQLite backend returns KindDatabase)
// rather than panicking; callers MUST tolerate that by falling back to
// recency-ordered queries.
type Store interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	IsReady(ctx context.Context) bool
	Close() error

	// Schema
	RunPluginMigrations(ctx context.Context, plugins []PluginSchema) error

	// Agent
	GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error)
	GetAllAgents(ctx context.Context) ([]*types.Agent, error)
	CreateAgent(ctx context.Context, a *types.Agent) error
	UpdateAgent(ctx context.Context, a *types.Agent) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// Entity
	GetEntityByID(ctx context.Context, id uuid.UUID) (*types.Entity, error)
	GetEntitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Entity, error)
	GetEntitiesForRoom(ctx context.Context, roomID uuid.UUID) ([]*types.Entity, error)
	CreateEntities(ctx context.Context, entities []*types.Entity) error
	UpdateEntity(ctx context.Context, e *types.Entity) error

	// World
	GetWorld(ctx context.Context, id uuid.UUID) (*types.World, error)
	EnsureWorld(ctx context.Context, w *types.World) (*types.World, error)

	// Room
	GetRoom(ctx context.Context, id uuid.UUID) (*types.Room, error)
	CreateRoom(ctx context.Context, r *types.Room) error
	GetRoomsForWorld(ctx context.Context, worldID uuid.UUID) ([]*types.Room, error)
	GetRoomsForAgent(ctx context.Context, agentID uuid.UUID) ([]*types.Room, error)

	// Participant
	AddParticipant(ctx context.Context, p *types.Participant) error
	RemoveParticipant(ctx context.Context, entityID, roomID uuid.UUID) error
	ListParticipants(ctx context.Context, roomID uuid.UUID) ([]*types.Participant, error)

	// Relationship
	CreateRelationship(ctx context.Context, r *types.Relationship) error
	GetRelationships(ctx context.Context, entityID uuid.UUID) ([]*types.Relationship, error)

	// Component
	GetComponent(ctx context.Context, id uuid.UUID) (*types.Component, error)
	GetComponents(ctx context.Context, entityID, worldID uuid.UUID) ([]*types.Component, error)
	CreateComponent(ctx context.Context, c *types.Component) error
	UpdateComponent(ctx context.Context, c *types.Component) error
	DeleteComponent(ctx context.Context, id uuid.UUID) error

	// Memory
	CreateMemory(ctx context.Context, m *types.Memory) error
	UpdateMemory(ctx context.Context, m *types.Memory) error
	RemoveMemory(ctx context.Context, id uuid.UUID) error
	RemoveAllMemories(ctx context.Context, roomID uuid.UUID, partition string) error
	CountMemories(ctx context.Context, q MemoryQuery) (int, error)
	QueryMemories(ctx context.Context, q MemoryQuery) ([]*types.Memory, error)
	GetCachedEmbeddings(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]float32, error)
	SearchMemoriesByEmbedding(ctx context.Context, q VectorSearchQuery) ([]*types.Memory, error)

	// Task
	CreateTask(ctx context.Context, t *types.Task) error
	UpdateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error)
	GetPendingTasks(ctx context.Context, limit int) ([]*types.Task, error)

	// Log
	Log(ctx context.Context, l *types.Log) error
	GetLogs(ctx context.Context, entityID uuid.UUID, limit int) ([]*types.Log, error)

	// Observability
	PersistLLMCost(ctx context.Context, rec *types.LLMCostRecord) error
	GetAgentRunSummaries(ctx context.Context, agentID uuid.UUID, since time.Time) ([]AgentRunSummary, error)

	// Embedding
	EnsureEmbeddingDimension(ctx context.Context, dim int) error

	// SupportsVectorSearch reports whether SearchMemoriesByEmbedding is
	// backed by a real nearest-neighbor index (Postgres) or always
	// fails with a not-implemented error (SQLite).
	SupportsVectorSearch() bool
}

// VectorSearchTables is the whitelist of table names
// SearchMemoriesByEmbedding accepts.
var VectorSearchTables = map[string]bool{
	"memories": true, "agents": true, "entities": true, "worlds": true,
	"rooms": true, "relationships": true, "goals": true, "logs": true,
	"cache": true, "components": true, "embeddings": true,
	"documents": true, "conversations": true,
}

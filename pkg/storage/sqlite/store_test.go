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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

type fixture struct {
	store *Store
	agent *types.Agent
	world *types.World
	room  *types.Room
	user  *types.Entity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Initialize(ctx))
	require.True(t, store.IsReady(ctx))

	agent := &types.Agent{
		ID:        types.AgentID("tester"),
		Name:      "tester",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateAgent(ctx, agent))

	world, err := store.EnsureWorld(ctx, &types.World{
		ID: uuid.New(), Name: "test-world", AgentID: agent.ID,
	})
	require.NoError(t, err)

	room := &types.Room{
		ID: uuid.New(), AgentID: agent.ID, Name: "general", Source: "test",
		ChannelType: types.ChannelAPI, WorldID: world.ID, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateRoom(ctx, room))

	user := &types.Entity{
		ID: uuid.New(), AgentID: agent.ID, Name: "alice", CreatedAt: time.Now(),
	}
	// The agent participates as an entity too.
	self := &types.Entity{ID: agent.ID, AgentID: agent.ID, Name: "tester", CreatedAt: time.Now()}
	require.NoError(t, store.CreateEntities(ctx, []*types.Entity{user, self}))

	return &fixture{store: store, agent: agent, world: world, room: room, user: user}
}

func TestAgentRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "tester", got.Name)

	all, err := f.store.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got.Name = "renamed"
	require.NoError(t, f.store.UpdateAgent(ctx, got))
	got, err = f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestEnsureWorldIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.store.EnsureWorld(ctx, &types.World{
		ID: f.world.ID, Name: "ignored on second call", AgentID: f.agent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "test-world", again.Name)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plugins := []storage.PluginSchema{{
		Plugin: "ext",
		Tables: map[string]map[string]string{
			"ext_notes": {
				"id":      "TEXT PRIMARY KEY",
				"room_id": "TEXT REFERENCES rooms(id)",
				"body":    "TEXT NOT NULL",
			},
		},
	}}
	require.NoError(t, f.store.RunPluginMigrations(ctx, plugins))
	// Second run must be a no-op, not an error.
	require.NoError(t, f.store.RunPluginMigrations(ctx, plugins))
}

func TestMigrationRejectsBadIdentifier(t *testing.T) {
	f := newFixture(t)
	err := f.store.RunPluginMigrations(context.Background(), []storage.PluginSchema{{
		Plugin: "evil",
		Tables: map[string]map[string]string{
			"notes; DROP TABLE agents": {"id": "TEXT PRIMARY KEY"},
		},
	}})
	require.Error(t, err)
}

func TestMemoryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &types.Memory{
		ID: uuid.New(), EntityID: f.user.ID, AgentID: f.agent.ID, RoomID: f.room.ID,
		Partition: "messages",
		Content:   types.MemoryContent{Text: "hello", Source: "test"},
		CreatedAt: time.Now().Add(-time.Minute),
	}
	second := &types.Memory{
		ID: uuid.New(), EntityID: f.agent.ID, AgentID: f.agent.ID, RoomID: f.room.ID,
		Partition: "messages",
		Content:   types.MemoryContent{Text: "hi alice", Source: "test"},
		CreatedAt: time.Now(),
	}
	// Insert out of dialogue order; reads must sort by created_at.
	require.NoError(t, f.store.CreateMemory(ctx, second))
	require.NoError(t, f.store.CreateMemory(ctx, first))

	memories, err := f.store.QueryMemories(ctx, storage.MemoryQuery{
		AgentID: f.agent.ID, RoomID: &f.room.ID, Partition: "messages",
	})
	require.NoError(t, err)
	require.Len(t, memories, 2)
	assert.Equal(t, "hello", memories[0].Content.Text)
	assert.Equal(t, "hi alice", memories[1].Content.Text)
	assert.False(t, memories[0].IsAgentUtterance())
	assert.True(t, memories[1].IsAgentUtterance())

	n, err := f.store.CountMemories(ctx, storage.MemoryQuery{AgentID: f.agent.ID, Partition: "messages"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Embedding backfill is the only permitted update.
	first.Embedding = []float32{0.5, 0.25}
	require.NoError(t, f.store.UpdateMemory(ctx, first))
	cached, err := f.store.GetCachedEmbeddings(ctx, []uuid.UUID{first.ID, second.ID})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, cached[first.ID])
	assert.NotContains(t, cached, second.ID)

	require.NoError(t, f.store.RemoveAllMemories(ctx, f.room.ID, "messages"))
	n, err = f.store.CountMemories(ctx, storage.MemoryQuery{AgentID: f.agent.ID, Partition: "messages"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVectorSearchNotImplemented(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.store.SupportsVectorSearch())

	_, err := f.store.SearchMemoriesByEmbedding(context.Background(), storage.VectorSearchQuery{
		Table: "memories", Embedding: []float32{1, 2, 3}, AgentID: f.agent.ID, K: 5,
	})
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindDatabase, e.Kind)
}

func TestEnsureEmbeddingDimension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureEmbeddingDimension(ctx, 768))
	require.NoError(t, f.store.EnsureEmbeddingDimension(ctx, 768))

	err := f.store.EnsureEmbeddingDimension(ctx, 1536)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindVectorDim, e.Kind)
}

func TestParticipantsAndRelationships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddParticipant(ctx, &types.Participant{
		EntityID: f.user.ID, RoomID: f.room.ID, JoinedAt: time.Now(),
	}))
	participants, err := f.store.ListParticipants(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)

	require.NoError(t, f.store.RemoveParticipant(ctx, f.user.ID, f.room.ID))
	participants, err = f.store.ListParticipants(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Empty(t, participants)

	require.NoError(t, f.store.CreateRelationship(ctx, &types.Relationship{
		EntityIDA: f.user.ID, EntityIDB: f.agent.ID, Type: "friend",
		AgentID: f.agent.ID, CreatedAt: time.Now(),
	}))
	rels, err := f.store.GetRelationships(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "friend", rels[0].Type)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := &types.Task{ID: uuid.New(), AgentID: f.agent.ID, TaskType: "embedding_generation", Priority: 1, MaxRetries: 3}
	high := &types.Task{ID: uuid.New(), AgentID: f.agent.ID, TaskType: "embedding_generation", Priority: 9, MaxRetries: 3}
	require.NoError(t, f.store.CreateTask(ctx, low))
	require.NoError(t, f.store.CreateTask(ctx, high))

	pending, err := f.store.GetPendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID, "priority desc")

	now := time.Now()
	high.Status = types.TaskCompleted
	high.ExecutedAt = &now
	require.NoError(t, f.store.UpdateTask(ctx, high))

	pending, err = f.store.GetPendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got, err := f.store.GetTask(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	require.NotNil(t, got.ExecutedAt)
}

func TestCostRecordsAndSummaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runID := uuid.New()
	require.NoError(t, f.store.PersistLLMCost(ctx, &types.LLMCostRecord{
		ID: uuid.New(), Timestamp: time.Now(), AgentID: f.agent.ID,
		ConversationID: &runID, Provider: "openai", Model: "gpt-4o",
		PromptTokens: 100, CompletionTok: 50, TotalTokens: 150,
		TotalCostUSD: 0.01, Success: true,
	}))

	summaries, err := f.store.GetAgentRunSummaries(ctx, f.agent.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 150, summaries[0].TotalTokens)
	assert.Equal(t, 1, summaries[0].CallCount)
}

func TestDeleteAgentCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &types.Memory{
		ID: uuid.New(), EntityID: f.user.ID, AgentID: f.agent.ID, RoomID: f.room.ID,
		Partition: "messages", Content: types.MemoryContent{Text: "bye"}, CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.CreateMemory(ctx, m))

	require.NoError(t, f.store.DeleteAgent(ctx, f.agent.ID))

	_, err := f.store.GetAgent(ctx, f.agent.ID)
	require.Error(t, err)
	n, err := f.store.CountMemories(ctx, storage.MemoryQuery{AgentID: f.agent.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

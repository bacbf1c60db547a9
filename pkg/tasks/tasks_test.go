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
package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/internal/pubsub"
	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

// fakeStore implements the slice of storage.Store these workers touch;
// everything else panics through the embedded nil interface.
type fakeStore struct {
	storage.Store

	mu       sync.Mutex
	memories []*types.Memory
	updated  []*types.Memory
	tasks    map[uuid.UUID]*types.Task
	failMem  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[uuid.UUID]*types.Task)}
}

func (s *fakeStore) CreateMemory(_ context.Context, m *types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMem != nil {
		return s.failMem
	}
	s.memories = append(s.memories, m)
	return nil
}

func (s *fakeStore) UpdateMemory(_ context.Context, m *types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, m)
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *fakeStore) UpdateTask(_ context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.tasks[t.ID] = &copied
	return nil
}

func (s *fakeStore) GetPendingTasks(_ context.Context, limit int) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskPending {
			copied := *t
			out = append(out, &copied)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) memoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memories)
}

func TestMemoryWorkerPersistsAndConfirms(t *testing.T) {
	store := newFakeStore()
	w := NewMemoryWorker(MemoryWorkerConfig{Store: store})
	w.Start()
	defer w.Stop()

	m := &types.Memory{ID: uuid.New(), RoomID: uuid.New(), Partition: "messages"}
	require.NoError(t, w.EnqueueWait(context.Background(), m))
	assert.Equal(t, 1, store.memoryCount())
}

func TestMemoryWorkerFireAndForget(t *testing.T) {
	store := newFakeStore()
	w := NewMemoryWorker(MemoryWorkerConfig{Store: store})
	w.Start()

	require.NoError(t, w.Enqueue(&types.Memory{ID: uuid.New(), Partition: "messages"}))
	w.Stop() // drains the queue
	assert.Equal(t, 1, store.memoryCount())
}

func TestMemoryWorkerQueueFull(t *testing.T) {
	store := newFakeStore()
	w := NewMemoryWorker(MemoryWorkerConfig{Store: store, QueueDepth: 1})
	// Not started: the single slot fills and the second enqueue fails.
	require.NoError(t, w.Enqueue(&types.Memory{ID: uuid.New()}))
	require.Error(t, w.Enqueue(&types.Memory{ID: uuid.New()}))
}

func TestMemoryWorkerConfirmsFailure(t *testing.T) {
	store := newFakeStore()
	store.failMem = errors.New("disk gone")
	w := NewMemoryWorker(MemoryWorkerConfig{Store: store})
	w.Start()
	defer w.Stop()

	err := w.EnqueueWait(context.Background(), &types.Memory{ID: uuid.New()})
	require.Error(t, err)
}

func TestMemoryWorkerPublishesCreatedEvents(t *testing.T) {
	store := newFakeStore()
	w := NewMemoryWorker(MemoryWorkerConfig{Store: store})
	events := w.Subscribe()
	w.Start()
	defer w.Stop()

	m := &types.Memory{ID: uuid.New(), Partition: "messages"}
	require.NoError(t, w.EnqueueWait(context.Background(), m))

	select {
	case ev := <-events:
		assert.Equal(t, pubsub.CreatedEvent, ev.Type)
		assert.Equal(t, m.ID, ev.Payload.ID)
	case <-time.After(time.Second):
		t.Fatal("no created event published")
	}
}

func TestManagerExecutesPendingTask(t *testing.T) {
	store := newFakeStore()
	taskID := uuid.New()
	store.tasks[taskID] = &types.Task{
		ID: taskID, TaskType: "noop", Status: types.TaskPending, MaxRetries: 1,
	}

	m := NewManager(ManagerConfig{Store: store})
	var ran bool
	m.RegisterWorker("noop", func(context.Context, *types.Task) error {
		ran = true
		return nil
	})
	m.Poll(context.Background())

	assert.True(t, ran)
	assert.Equal(t, types.TaskCompleted, store.tasks[taskID].Status)
	assert.NotNil(t, store.tasks[taskID].ExecutedAt)
}

func TestManagerRetriesThenFails(t *testing.T) {
	store := newFakeStore()
	taskID := uuid.New()
	store.tasks[taskID] = &types.Task{
		ID: taskID, TaskType: "flaky", Status: types.TaskPending, MaxRetries: 1,
	}

	m := NewManager(ManagerConfig{Store: store})
	m.RegisterWorker("flaky", func(context.Context, *types.Task) error {
		return errors.New("always fails")
	})

	m.Poll(context.Background())
	got := store.tasks[taskID]
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(time.Now()))

	// Simulate the backoff having elapsed; the next failure exhausts
	// max_retries.
	past := time.Now().Add(-time.Minute)
	got.ScheduledAt = &past
	m.Poll(context.Background())
	assert.Equal(t, types.TaskFailed, store.tasks[taskID].Status)
}

func TestManagerSkipsFutureScheduledTasks(t *testing.T) {
	store := newFakeStore()
	future := time.Now().Add(time.Hour)
	taskID := uuid.New()
	store.tasks[taskID] = &types.Task{
		ID: taskID, TaskType: "later", Status: types.TaskPending, ScheduledAt: &future,
	}

	m := NewManager(ManagerConfig{Store: store})
	m.RegisterWorker("later", func(context.Context, *types.Task) error {
		t.Fatal("future task must not run")
		return nil
	})
	m.Poll(context.Background())
	assert.Equal(t, types.TaskPending, store.tasks[taskID].Status)
}

func newEmbeddingRegistry(t *testing.T, handlers ...runtime.ModelHandler) *runtime.Registry {
	t.Helper()
	reg, err := runtime.NewRegistry(runtime.Config{AgentID: uuid.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name: "models", ModelHandlers: handlers,
	}))
	return reg
}

func embeddingTask(t *testing.T) *types.Task {
	t.Helper()
	m := &types.Memory{
		ID: uuid.New(), EntityID: uuid.New(), AgentID: uuid.New(), RoomID: uuid.New(),
		Partition: "messages", Content: types.MemoryContent{Text: "embed me"},
	}
	return &types.Task{
		ID:      uuid.New(),
		AgentID: m.AgentID,
		TaskType: TaskTypeEmbedding,
		Data: map[string]any{
			"memory_id": m.ID.String(), "entity_id": m.EntityID.String(),
			"room_id": m.RoomID.String(), "partition": m.Partition, "text": m.Content.Text,
		},
	}
}

func TestEmbeddingWorkerNoHandlerIsNoop(t *testing.T) {
	reg := newEmbeddingRegistry(t)
	store := newFakeStore()
	worker := NewEmbeddingWorker(reg, store, nil)

	require.NoError(t, worker(context.Background(), embeddingTask(t)))
	queued, ok := reg.Settings.GetBool("phase0:embedding:queued")
	assert.True(t, ok)
	assert.True(t, queued)
	assert.Empty(t, store.updated)
}

func TestEmbeddingWorkerBackfillsVector(t *testing.T) {
	reg := newEmbeddingRegistry(t, runtime.ModelHandler{
		Name:  "embedder",
		Class: modeldispatch.ClassTextEmbedding,
		Handler: func(context.Context, runtime.ModelHandlerParams) (string, error) {
			return "[0.1, 0.2, 0.3]", nil
		},
	})
	store := newFakeStore()
	worker := NewEmbeddingWorker(reg, store, nil)

	require.NoError(t, worker(context.Background(), embeddingTask(t)))
	require.Len(t, store.updated, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, store.updated[0].Embedding)
}

func TestQueueEmbeddingCreatesTask(t *testing.T) {
	store := newFakeStore()
	m := &types.Memory{ID: uuid.New(), AgentID: uuid.New(), Content: types.MemoryContent{Text: "x"}}
	require.NoError(t, QueueEmbedding(context.Background(), store, m))
	require.Len(t, store.tasks, 1)
	for _, task := range store.tasks {
		assert.Equal(t, TaskTypeEmbedding, task.TaskType)
		assert.Equal(t, types.TaskPending, task.Status)
	}
}

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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conversant/agentrt/internal/pubsub"
	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

// TaskTypeEmbedding is the registered task type for embedding
// backfills.
const TaskTypeEmbedding = "embedding_generation"

// embeddingQueuedKey records that embedding work was queued while no
// TEXT_EMBEDDING handler was registered.
const embeddingQueuedKey = "phase0:embedding:queued"

// QueueEmbedding creates an embedding_generation task for a persisted
// memory. Task data carries everything the worker needs to rebuild the
// memory row for the backfill update.
func QueueEmbedding(ctx context.Context, store storage.Store, m *types.Memory) error {
	return store.CreateTask(ctx, &types.Task{
		ID:      uuid.New(),
		AgentID: m.AgentID,
		TaskType: TaskTypeEmbedding,
		Data: map[string]any{
			"memory_id": m.ID.String(),
			"entity_id": m.EntityID.String(),
			"room_id":   m.RoomID.String(),
			"partition": m.Partition,
			"text":      m.Content.Text,
		},
		Status:     types.TaskPending,
		MaxRetries: 3,
	})
}

// NewEmbeddingWorker returns the WorkerFunc for embedding_generation
// tasks: it locates the TEXT_EMBEDDING handler, generates a vector for
// the memory's text, and backfills the memory row. When no handler is
// registered the item is a no-op that records the queued flag in
// settings.
func NewEmbeddingWorker(reg *runtime.Registry, store storage.Store, logger *zap.Logger) WorkerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, task *types.Task) error {
		handlers := reg.ModelHandlers(modeldispatch.ClassTextEmbedding)
		if len(handlers) == 0 {
			if err := reg.Settings.Set(embeddingQueuedKey, true); err != nil {
				logger.Warn("record embedding-queued flag failed", zap.Error(err))
			}
			return nil
		}

		text, _ := task.Data["text"].(string)
		if text == "" {
			return nil
		}
		raw, err := handlers[0].Handler(ctx, runtime.ModelHandlerParams{Prompt: text})
		if err != nil {
			return apperr.Model(err, "generate embedding")
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			return apperr.Validation("embedding handler returned non-vector output: %v", err)
		}

		m, err := memoryFromTaskData(task)
		if err != nil {
			return err
		}
		m.Embedding = vec
		m.Content.Text = text
		if err := store.UpdateMemory(ctx, m); err != nil {
			return apperr.Database(err, "backfill embedding")
		}
		return nil
	}
}

func memoryFromTaskData(task *types.Task) (*types.Memory, error) {
	id, err := parseTaskUUID(task, "memory_id")
	if err != nil {
		return nil, err
	}
	entityID, err := parseTaskUUID(task, "entity_id")
	if err != nil {
		return nil, err
	}
	roomID, err := parseTaskUUID(task, "room_id")
	if err != nil {
		return nil, err
	}
	partition, _ := task.Data["partition"].(string)
	return &types.Memory{
		ID:        id,
		EntityID:  entityID,
		AgentID:   task.AgentID,
		RoomID:    roomID,
		Partition: partition,
		CreatedAt: time.Now(),
	}, nil
}

func parseTaskUUID(task *types.Task, key string) (uuid.UUID, error) {
	s, _ := task.Data[key].(string)
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, apperr.Validation("task %s carries invalid %s: %v", task.ID, key, err)
	}
	return id, nil
}

// WireEmbeddingQueue subscribes to a memory worker's created events
// and queues an embedding task for each persisted memory that lacks a
// vector. The returned stop function ends the subscription goroutine.
func WireEmbeddingQueue(store storage.Store, worker *MemoryWorker, logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := worker.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				if ev.Type != pubsub.CreatedEvent || ev.Payload == nil || len(ev.Payload.Embedding) > 0 {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), DefaultOpTimeout)
				if err := QueueEmbedding(ctx, store, ev.Payload); err != nil {
					logger.Warn("queue embedding task failed",
						zap.String("memory_id", ev.Payload.ID.String()), zap.Error(err))
				}
				cancel()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

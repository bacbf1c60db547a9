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
package httpapi

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// apiTask tracks one asynchronous HTTP operation (/chat, /state) for
// the /task/{id} poll endpoint.
type apiTask struct {
	ID        string    `json:"taskId"`
	Status    string    `json:"status"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	taskStatusRunning   = "running"
	taskStatusCompleted = "completed"
	taskStatusFailed    = "failed"
)

// spawnTask runs fn in the background under its own timeout and
// returns the poll ID immediately.
func (s *Server) spawnTask(timeout time.Duration, fn func(ctx context.Context) (any, error)) string {
	task := &apiTask{
		ID:        uuid.NewString(),
		Status:    taskStatusRunning,
		CreatedAt: time.Now(),
	}
	s.tasksMu.Lock()
	s.apiTasks[task.ID] = task
	s.tasksMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		result, err := fn(ctx)

		s.tasksMu.Lock()
		defer s.tasksMu.Unlock()
		if err != nil {
			task.Status = taskStatusFailed
			task.Error = err.Error()
			s.logger.Warn("api task failed",
				zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		task.Status = taskStatusCompleted
		task.Result = result
	}()
	return task.ID
}

// lookupTask returns a point-in-time copy of a task.
func (s *Server) lookupTask(id string) (apiTask, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	t, ok := s.apiTasks[id]
	if !ok {
		return apiTask{}, false
	}
	return *t, true
}

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
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/conversant/agentrt/internal/csync"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

const (
	// DefaultPollSpec is the cron schedule driving the pending-task
	// poll.
	DefaultPollSpec = "@every 5s"

	// DefaultPollBatch caps tasks pulled per poll.
	DefaultPollBatch = 32

	// retryBaseBackoff spaces retries of a failed task.
	retryBaseBackoff = 30 * time.Second
)

// WorkerFunc executes one task of a registered type.
type WorkerFunc func(ctx context.Context, task *types.Task) error

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store     storage.Store
	Logger    *zap.Logger
	Tracer    observability.Tracer
	PollSpec  string
	PollBatch int
}

// Manager pulls pending tasks from storage on a cron schedule and
// dispatches each to the worker registered for its task type. A task
// with no registered worker stays pending until one appears. FAILED
// tasks below max_retries are re-queued with a growing scheduled_at
// backoff.
type Manager struct {
	store     storage.Store
	logger    *zap.Logger
	tracer    observability.Tracer
	workers   *csync.Map[string, WorkerFunc]
	cron      *cron.Cron
	pollSpec  string
	pollBatch int
}

// NewManager builds a stopped Manager; call Start to begin polling.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.PollSpec == "" {
		cfg.PollSpec = DefaultPollSpec
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = DefaultPollBatch
	}
	return &Manager{
		store:     cfg.Store,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		workers:   csync.NewMap[string, WorkerFunc](),
		cron:      cron.New(),
		pollSpec:  cfg.PollSpec,
		pollBatch: cfg.PollBatch,
	}
}

// RegisterWorker installs the worker for a task type, replacing any
// previous one.
func (m *Manager) RegisterWorker(taskType string, fn WorkerFunc) {
	m.workers.Set(taskType, fn)
}

// Start schedules the poll loop on the cron engine.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.pollSpec, func() { m.Poll(context.Background()) }); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the cron engine, waiting for any in-flight poll.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
}

// Poll pulls one batch of pending tasks and executes the runnable
// ones. It is exported so tests and callers can drive the manager
// without the cron schedule.
func (m *Manager) Poll(ctx context.Context) {
	pending, err := m.store.GetPendingTasks(ctx, m.pollBatch)
	if err != nil {
		m.logger.Warn("pending-task poll failed", zap.Error(err))
		return
	}
	now := time.Now()
	for _, task := range pending {
		if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
			continue
		}
		if _, ok := m.workers.Get(task.TaskType); !ok {
			continue
		}
		m.execute(ctx, task)
	}
}

func (m *Manager) execute(ctx context.Context, task *types.Task) {
	worker, _ := m.workers.Get(task.TaskType)

	ctx, span := m.tracer.StartSpan(ctx, observability.SpanTaskExecute,
		observability.WithAttribute("task.type", task.TaskType))
	defer m.tracer.EndSpan(span)

	task.Status = types.TaskRunning
	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Warn("mark task running failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}

	err := worker(ctx, task)
	now := time.Now()
	task.ExecutedAt = &now

	if err == nil {
		task.Status = types.TaskCompleted
		task.Error = ""
		m.tracer.RecordMetric(observability.MetricTaskExecuted, 1,
			map[string]string{"type": task.TaskType})
	} else {
		task.Error = err.Error()
		if task.RetryCount < task.MaxRetries {
			task.RetryCount++
			task.Status = types.TaskPending
			next := now.Add(retryBaseBackoff * time.Duration(task.RetryCount))
			task.ScheduledAt = &next
			m.tracer.RecordMetric(observability.MetricTaskRetried, 1,
				map[string]string{"type": task.TaskType})
		} else {
			task.Status = types.TaskFailed
			m.tracer.RecordMetric(observability.MetricTaskFailed, 1,
				map[string]string{"type": task.TaskType})
		}
		m.logger.Warn("task execution failed",
			zap.String("task_id", task.ID.String()),
			zap.String("task_type", task.TaskType),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(err))
	}

	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Warn("persist task outcome failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
	}
}

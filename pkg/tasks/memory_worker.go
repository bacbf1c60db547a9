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

// Package tasks runs the background workers that keep slow work off
// the transport path: a bounded queue serialising memory persistence,
// a task manager polling storage for pending tasks on a cron schedule,
// and the embedding-generation worker.
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/internal/pubsub"
	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

const (
	// DefaultQueueDepth bounds the memory write queue.
	DefaultQueueDepth = 1000

	// DefaultOpTimeout bounds one persistence call.
	DefaultOpTimeout = 10 * time.Second
)

// MemoryWork is one queued persistence item. Reply, when non-nil, is a
// one-shot channel receiving the write's outcome for callers that need
// confirmation; fire-and-forget callers leave it nil.
type MemoryWork struct {
	Memory *types.Memory
	Reply  chan error
}

// MemoryWorkerConfig configures a MemoryWorker.
type MemoryWorkerConfig struct {
	Store      storage.Store
	Logger     *zap.Logger
	Tracer     observability.Tracer
	QueueDepth int
	OpTimeout  time.Duration
}

// MemoryWorker serialises memory persistence off the transport thread
// through a bounded channel. After each successful write it publishes
// a created event so downstream consumers (the embedding queuer) can
// react without coupling to the write path.
type MemoryWorker struct {
	store     storage.Store
	logger    *zap.Logger
	tracer    observability.Tracer
	queue     chan MemoryWork
	opTimeout time.Duration

	eventsMu sync.Mutex
	events   []chan pubsub.Event[*types.Memory]

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryWorker builds a stopped worker; call Start to begin
// draining the queue.
func NewMemoryWorker(cfg MemoryWorkerConfig) *MemoryWorker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	return &MemoryWorker{
		store:     cfg.Store,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		queue:     make(chan MemoryWork, cfg.QueueDepth),
		opTimeout: cfg.OpTimeout,
		done:      make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (w *MemoryWorker) Start() {
	w.wg.Add(1)
	go w.drain()
}

// Stop closes the worker; queued items are drained before it returns.
func (w *MemoryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Subscribe returns a channel receiving a created event per persisted
// memory. Slow subscribers drop events rather than stall the worker.
func (w *MemoryWorker) Subscribe() <-chan pubsub.Event[*types.Memory] {
	ch := make(chan pubsub.Event[*types.Memory], 64)
	w.eventsMu.Lock()
	w.events = append(w.events, ch)
	w.eventsMu.Unlock()
	return ch
}

// Enqueue queues a fire-and-forget write. It never blocks: a full
// queue returns a rate-limited error the caller logs and swallows,
// matching the pipeline's persistence failure policy.
func (w *MemoryWorker) Enqueue(m *types.Memory) error {
	select {
	case w.queue <- MemoryWork{Memory: m}:
		w.tracer.RecordMetric(observability.MetricTaskQueueDepth, float64(len(w.queue)), nil)
		return nil
	default:
		return apperr.RateLimited("memory write queue full")
	}
}

// EnqueueWait queues a write and blocks until the worker confirms it,
// the per-operation timeout elapses, or ctx is cancelled.
func (w *MemoryWorker) EnqueueWait(ctx context.Context, m *types.Memory) error {
	reply := make(chan error, 1)
	select {
	case w.queue <- MemoryWork{Memory: m, Reply: reply}:
	default:
		return apperr.RateLimited("memory write queue full")
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(w.opTimeout):
		return apperr.Runtime("memory write timed out after %s", w.opTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *MemoryWorker) drain() {
	defer w.wg.Done()
	for {
		select {
		case work := <-w.queue:
			w.process(work)
		case <-w.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case work := <-w.queue:
					w.process(work)
				default:
					return
				}
			}
		}
	}
}

func (w *MemoryWorker) process(work MemoryWork) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	ctx, span := w.tracer.StartSpan(ctx, observability.SpanStorageWrite,
		observability.WithAttribute(observability.AttrRoomID, work.Memory.RoomID.String()))
	err := w.store.CreateMemory(ctx, work.Memory)
	w.tracer.EndSpan(span)

	if work.Reply != nil {
		work.Reply <- err
	}
	if err != nil {
		w.logger.Warn("memory persistence failed",
			zap.String("memory_id", work.Memory.ID.String()), zap.Error(err))
		return
	}
	w.publish(pubsub.NewCreatedEvent(work.Memory))
}

func (w *MemoryWorker) publish(ev pubsub.Event[*types.Memory]) {
	w.eventsMu.Lock()
	defer w.eventsMu.Unlock()
	for _, ch := range w.events {
		select {
		case ch <- ev:
		default:
		}
	}
}

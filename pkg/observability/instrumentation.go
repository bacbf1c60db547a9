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
package observability

// Standard span names for consistency across the runtime.
// Use these constants instead of hardcoding strings.
const (
	// Pipeline spans
	SpanPipelineRun      = "pipeline.run"
	SpanPipelineDecide   = "pipeline.decide"
	SpanStateCompose     = "state.compose"
	SpanActionDispatch   = "action.dispatch"
	SpanEvaluatorRun     = "evaluator.run"

	// Model dispatch spans
	SpanModelDispatch  = "model.dispatch"
	SpanModelGenerate  = "model.generate"
	SpanModelStream    = "model.stream"

	// Storage spans
	SpanStorageQuery  = "storage.query"
	SpanStorageWrite  = "storage.write"
	SpanStorageVector = "storage.vector_search"
	SpanStorageMigrate = "storage.migrate"

	// Task spans
	SpanTaskEnqueue = "task.enqueue"
	SpanTaskExecute = "task.execute"
)

// Standard metric names for consistency.
const (
	MetricPipelineRuns      = "pipeline.runs.total"
	MetricPipelineDuration  = "pipeline.duration_ms"
	MetricPipelineResponded = "pipeline.responded.total"

	MetricModelCalls       = "model.calls.total"
	MetricModelLatency     = "model.latency_ms"
	MetricModelTokensIn    = "model.tokens.input"  // #nosec G101 -- not a credential, just metric name
	MetricModelTokensOut   = "model.tokens.output" // #nosec G101 -- not a credential, just metric name
	MetricModelCostUSD     = "model.cost_usd"
	MetricModelErrors      = "model.errors.total"
	MetricModelStreamTTFT  = "model.stream.ttft_ms"

	MetricTaskQueueDepth = "task.queue.depth"
	MetricTaskExecuted   = "task.executed.total"
	MetricTaskRetried    = "task.retried.total"
	MetricTaskFailed     = "task.failed.total"

	MetricLockHeld      = "lock.held.total"
	MetricLockPoisoned  = "lock.poisoned.total"
	MetricLockRecovered = "lock.recovered.total"
)

// Standard attribute names for consistency.
const (
	AttrAgentID  = "agent.id"
	AttrRoomID   = "room.id"
	AttrEntityID = "entity.id"
	AttrRunID    = "run.id"

	AttrModelProvider    = "model.provider"
	AttrModelName        = "model.name"
	AttrModelTemperature = "model.temperature"
	AttrModelStreaming   = "model.streaming"

	AttrActionName    = "action.name"
	AttrEvaluatorName = "evaluator.name"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"

	AttrStorageBackend = "storage.backend"
	AttrStorageTable   = "storage.table"
)

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

// Package pipeline orchestrates one incoming message end to end:
// persist the input, decide whether to respond, preprocess, compose
// state, invoke the model, post-process the reply, run evaluators,
// persist the responses, and emit the sent event. Persistence errors
// never fail a run; only model failures surface to the caller.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/prompts"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/state"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/tasks"
	"github.com/conversant/agentrt/pkg/training"
	"github.com/conversant/agentrt/pkg/types"
)

// Memory partitions the pipeline writes.
const (
	PartitionMessages = "messages"
	PartitionThoughts = "thoughts"
)

// EmptyResponseText replaces a blank reply so users never see an
// empty bubble.
const EmptyResponseText = "Empty response. Please try again."

// minSentenceLen is the length past which a reply with no terminal
// punctuation is treated as cut off.
const minSentenceLen = 40

// Config configures a Pipeline.
type Config struct {
	Registry     *runtime.Registry
	Store        storage.Store
	Dispatcher   *modeldispatch.Dispatcher
	Composer     *state.Composer
	MemoryWorker *tasks.MemoryWorker

	// Training, when set, records a sample per completed exchange.
	Training *training.Collector

	// Character supplies the agent name and template overrides.
	Character *types.Character

	Logger *zap.Logger
	Tracer observability.Tracer

	// AddressedTTL overrides the recently-addressed window.
	AddressedTTL time.Duration

	// ReassessWindow bounds turn coalescing; EnableReassess turns the
	// stage on.
	ReassessWindow time.Duration
	EnableReassess bool

	// EnablePreprocess turns the phase-0 annotation stage on.
	EnablePreprocess bool

	// ContextWindow is handed to state composition for the compaction
	// check.
	ContextWindow int
}

// Pipeline processes incoming messages for one agent.
type Pipeline struct {
	registry     *runtime.Registry
	store        storage.Store
	dispatcher   *modeldispatch.Dispatcher
	composer     *state.Composer
	memoryWorker *tasks.MemoryWorker
	training     *training.Collector
	logger       *zap.Logger
	tracer       observability.Tracer

	agentName      string
	templates      map[string]string
	addressedTTL   time.Duration
	reassessWindow time.Duration
	reassessOn     bool
	preprocessOn   bool
	contextWindow  int
}

// New builds a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.AddressedTTL <= 0 {
		cfg.AddressedTTL = DefaultAddressedTTL
	}
	if cfg.ReassessWindow <= 0 {
		cfg.ReassessWindow = DefaultReassessWindow
	}
	p := &Pipeline{
		registry:       cfg.Registry,
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		composer:       cfg.Composer,
		memoryWorker:   cfg.MemoryWorker,
		training:       cfg.Training,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		addressedTTL:   cfg.AddressedTTL,
		reassessWindow: cfg.ReassessWindow,
		reassessOn:     cfg.EnableReassess,
		preprocessOn:   cfg.EnablePreprocess,
		contextWindow:  cfg.ContextWindow,
	}
	if cfg.Character != nil {
		p.agentName = cfg.Character.Name
		p.templates = cfg.Character.Templates
	}
	return p
}

// SetCharacter swaps the character applied to subsequent runs, used by
// the character-select operation.
func (p *Pipeline) SetCharacter(c *types.Character) {
	p.agentName = c.Name
	p.templates = c.Templates
}

// Process runs the full pipeline for one incoming message, returning
// the response memories. A nil, nil return means the agent chose not
// to respond (or deferred a fragment).
func (p *Pipeline) Process(ctx context.Context, msg *types.Memory, room *types.Room) ([]*types.Memory, error) {
	runID := p.registry.StartRun()
	defer p.registry.EndRun()

	ctx, span := p.tracer.StartSpan(ctx, observability.SpanPipelineRun,
		observability.WithAttribute(observability.AttrRoomID, room.ID.String()),
		observability.WithAttribute(observability.AttrRunID, runID.String()))
	defer p.tracer.EndSpan(span)
	p.tracer.RecordMetric(observability.MetricPipelineRuns, 1, nil)

	p.logger.Info("INTERACTION_REQUEST",
		zap.String("run_id", runID.String()),
		zap.String("room_id", room.ID.String()),
		zap.String("entity_id", msg.EntityID.String()))

	st, prompt, respond := p.Prepare(ctx, msg, room)
	if !respond {
		return nil, nil
	}

	raw, usage, err := p.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	responses := p.Finalize(ctx, msg, room, st, raw)
	p.recordCost(ctx, runID, prompt, usage)
	return responses, nil
}

// Prepare runs stages 1–5 plus template rendering: persist the input,
// decide, reassess, preprocess, compose. respond=false means the run
// stops with no output. Streaming callers use this to obtain the
// prompt before handing generation to the streaming dispatcher.
func (p *Pipeline) Prepare(ctx context.Context, msg *types.Memory, room *types.Room) (st *runtime.State, prompt string, respond bool) {
	p.persist(msg, PartitionMessages)

	if !p.ShouldRespond(msg, room) {
		p.logger.Debug("not addressed, staying quiet",
			zap.String("room_id", room.ID.String()))
		return nil, "", false
	}
	if p.reassessOn && p.reassess(msg, room) {
		return nil, "", false
	}
	if p.preprocessOn {
		p.preprocess(msg, room)
	}

	fastMode, _ := p.registry.Settings.GetBool("ui:fast_mode")
	st = p.composer.Compose(ctx, msg, state.Options{
		FastMode:      fastMode,
		ContextWindow: p.contextWindow,
	})

	st.Values["USER_MESSAGE"] = prompts.Sanitize(msg.Content.Text)
	st.Values["AGENT_NAME"] = p.agentName
	prompt = prompts.Render(prompts.ResolveTemplate(p.templates), st.Values)
	return st, prompt, true
}

// ComposeState runs state composition alone, without persisting the
// probe message, for callers that only want the context bag.
func (p *Pipeline) ComposeState(ctx context.Context, msg *types.Memory) *runtime.State {
	fastMode, _ := p.registry.Settings.GetBool("ui:fast_mode")
	return p.composer.Compose(ctx, msg, state.Options{
		FastMode:      fastMode,
		ContextWindow: p.contextWindow,
	})
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (string, int, error) {
	start := time.Now()
	raw, err := p.dispatcher.Generate(ctx, modeldispatch.ClassTextLarge, prompt)
	if err != nil {
		return "", 0, err
	}
	p.tracer.RecordMetric(observability.MetricModelLatency,
		float64(time.Since(start))/float64(time.Millisecond), nil)
	return raw, observability.EstimateTokens(raw), nil
}

// Finalize runs stages 7–13 on a raw model reply: parse, store the
// thought, process actions, materialise and persist the responses, run
// evaluators, emit MESSAGE_SENT, and refresh the addressed TTL.
func (p *Pipeline) Finalize(ctx context.Context, msg *types.Memory, room *types.Room, st *runtime.State, raw string) []*types.Memory {
	reply := modeldispatch.ParseReply(raw)

	if reply.Thought != "" {
		p.storeThought(msg, reply.Thought)
	}

	text := modeldispatch.StripArtifacts(reply.Text, p.actionNames())
	if modeldispatch.EndsMidSentence(text, minSentenceLen) {
		text += "."
	}
	if text == "" {
		text = EmptyResponseText
	}

	responses := []*types.Memory{p.responseMemory(msg, room, text, reply.Thought)}
	responses = append(responses, p.runActions(ctx, msg, st, reply, room)...)

	fastMode, _ := p.registry.Settings.GetBool("ui:fast_mode")
	p.runEvaluators(ctx, msg, st, responses, fastMode)

	for _, r := range responses {
		p.persist(r, PartitionMessages)
	}
	p.logger.Info("INTERACTION_STORE",
		zap.String("room_id", room.ID.String()),
		zap.Int("responses", len(responses)))

	p.registry.EmitEvent(ctx, "MESSAGE_SENT", map[string]any{
		"room_id":    room.ID.String(),
		"message_id": msg.ID.String(),
		"responses":  len(responses),
	})
	p.touchAddressed(room.ID)
	p.tracer.RecordMetric(observability.MetricPipelineResponded, 1, nil)
	return responses
}

// RecordSample captures a training sample for a finished exchange and
// returns its ID for the streaming meta field.
func (p *Pipeline) RecordSample(ctx context.Context, msg *types.Memory, response *types.Memory, thought string, st *runtime.State) (uuid.UUID, bool) {
	if p.training == nil {
		return uuid.UUID{}, false
	}
	id, err := p.training.RecordConversationTurn(ctx, msg, response, thought, st)
	if err != nil {
		p.logger.Warn("record training sample failed", zap.Error(err))
		return uuid.UUID{}, false
	}
	return id, true
}

func (p *Pipeline) responseMemory(msg *types.Memory, room *types.Room, text, thought string) *types.Memory {
	return &types.Memory{
		ID:        uuid.New(),
		EntityID:  p.registry.AgentID,
		AgentID:   p.registry.AgentID,
		RoomID:    room.ID,
		Partition: PartitionMessages,
		Content: types.MemoryContent{
			Text:        text,
			Source:      msg.Content.Source,
			Thought:     thought,
			ChannelType: room.ChannelType,
		},
		Metadata:  map[string]any{"in_reply_to": msg.ID.String()},
		CreatedAt: time.Now(),
	}
}

func (p *Pipeline) storeThought(msg *types.Memory, thought string) {
	t := &types.Memory{
		ID:        uuid.New(),
		EntityID:  p.registry.AgentID,
		AgentID:   p.registry.AgentID,
		RoomID:    msg.RoomID,
		Partition: PartitionThoughts,
		Content: types.MemoryContent{
			Text:    thought,
			Thought: thought,
			Source:  msg.Content.Source,
			Metadata: map[string]any{
				"memory_type":      "thought",
				"source_memory_id": msg.ID.String(),
			},
		},
		CreatedAt: time.Now(),
	}
	p.persist(t, PartitionThoughts)
	_ = p.registry.Settings.Set("context:last_thought", thought)
}

// runActions attempts REPLY first, then each parsed action in declared
// order, each gated by its validate. Unknown actions are logged and
// dropped; validation or execution errors skip the action.
func (p *Pipeline) runActions(ctx context.Context, msg *types.Memory, st *runtime.State, reply modeldispatch.Reply, room *types.Room) []*types.Memory {
	var extra []*types.Memory

	names := append([]string{"REPLY"}, reply.Actions...)
	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		action, ok := p.registry.Action(name)
		if !ok {
			if name != "REPLY" {
				p.logger.Warn("model requested unknown action, dropping",
					zap.String("action", name))
			}
			continue
		}
		if action.Validate != nil && !p.validateSafely(ctx, action, msg, st) {
			continue
		}
		result, err := action.Handler(ctx, msg, st)
		if err != nil {
			p.logger.Warn("action execution failed, skipping",
				zap.String("action", name), zap.Error(err))
			continue
		}
		if result != nil && result.Text != "" && name != "REPLY" {
			extra = append(extra, p.responseMemory(msg, room, result.Text, ""))
		}
	}
	return extra
}

// validateSafely runs an action's validate, treating a panic or false
// as "skip" per the failure policy.
func (p *Pipeline) validateSafely(ctx context.Context, a runtime.Action, msg *types.Memory, st *runtime.State) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("action validate panicked, skipping",
				zap.String("action", a.Name), zap.Any("panic", r))
			ok = false
		}
	}()
	return a.Validate(ctx, msg, st)
}

// runEvaluators runs post-response hooks in the order
// Registry.Evaluators returns them, which is not registration order
// (the registry keeps evaluators in an unordered map). Fast
// mode skips the whole stage; AlwaysRun only bypasses an evaluator's
// own validate, never the fast-mode gate. Failures are logged and
// never block the response.
func (p *Pipeline) runEvaluators(ctx context.Context, msg *types.Memory, st *runtime.State, responses []*types.Memory, fastMode bool) {
	if fastMode {
		return
	}
	p.logger.Info("INTERACTION_EVALUATORS_START")
	for _, e := range p.registry.Evaluators() {
		if !e.AlwaysRun && e.Validate != nil && !e.Validate(ctx, msg, st) {
			continue
		}
		if err := e.Handler(ctx, msg, st, len(responses) > 0, responses); err != nil {
			p.logger.Warn("evaluator failed, skipping",
				zap.String("evaluator", e.Name), zap.Error(err))
		}
	}
	p.logger.Info("INTERACTION_EVALUATORS_COMPLETE")
}

// persist queues a memory write, logging and swallowing failures per
// the pipeline's persistence policy.
func (p *Pipeline) persist(m *types.Memory, partition string) {
	if m.Partition == "" {
		m.Partition = partition
	}
	if err := p.memoryWorker.Enqueue(m); err != nil {
		p.logger.Warn("memory enqueue failed, continuing",
			zap.String("partition", partition), zap.Error(err))
	}
}

func (p *Pipeline) actionNames() []string {
	return p.registry.ActionNames()
}

// recordCost persists one LLMCostRecord for a completed generation.
func (p *Pipeline) recordCost(ctx context.Context, runID uuid.UUID, prompt string, completionTokens int) {
	sum := sha256.Sum256([]byte(prompt))
	rec := observability.NewCostRecord(types.LLMCostRecord{
		ID:            uuid.New(),
		Timestamp:     time.Now(),
		AgentID:       p.registry.AgentID,
		ConversationID: &runID,
		Provider:      "dispatcher",
		Model:         modeldispatch.ClassTextLarge,
		PromptTokens:  observability.EstimateTokens(prompt),
		CompletionTok: completionTokens,
		Success:       true,
		PromptHash:    hex.EncodeToString(sum[:8]),
		PromptPreview: observability.RedactPromptPreview(prompt, 120),
	})
	rec.TotalTokens = rec.PromptTokens + rec.CompletionTok
	if err := p.store.PersistLLMCost(ctx, &rec); err != nil {
		p.logger.Warn("persist cost record failed", zap.Error(err))
		return
	}
	p.logger.Info("COST_TRACKED",
		zap.String("run_id", runID.String()),
		zap.Int("total_tokens", rec.TotalTokens))
}

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
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conversant/agentrt/internal/version"
	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/llm"
	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/pipeline"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/streaming"
	"github.com/conversant/agentrt/pkg/types"
)

type chatRequest struct {
	Text     string         `json:"text"`
	RoomID   string         `json:"roomId"`
	EntityID string         `json:"entityId"`
	Source   string         `json:"source"`
	Stream   bool           `json:"stream"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy, _ := s.registry.LockHealth()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
		"healthy": healthy,
	})
}

// parseOrDeriveID accepts either a UUID or an arbitrary external
// identifier, hashing the latter so adaptors with string channel IDs
// get stable rooms.
func parseOrDeriveID(raw, kind string) uuid.UUID {
	if raw == "" {
		return uuid.New()
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id
	}
	return types.DeterministicID(kind + ":" + raw)
}

// ensureRoom loads or lazily creates the room a chat call targets,
// claiming ownership for the first entity that opens it.
func (s *Server) ensureRoom(ctx context.Context, roomID, entityID uuid.UUID, source string) *types.Room {
	if room, err := s.store.GetRoom(ctx, roomID); err == nil {
		return room
	}
	if source == "" {
		source = "api"
	}
	world, err := s.store.EnsureWorld(ctx, &types.World{
		ID:      types.DeterministicID("world:" + source),
		Name:    source,
		AgentID: s.registry.AgentID,
	})
	room := &types.Room{
		ID:          roomID,
		AgentID:     s.registry.AgentID,
		Name:        source,
		Source:      source,
		ChannelType: types.ChannelAPI,
		CreatedAt:   time.Now(),
	}
	if err == nil && world != nil {
		room.WorldID = world.ID
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		s.logger.Warn("lazy room create failed", zap.Error(err))
	}
	ownerKey := "ROOM_OWNER:" + roomID.String()
	if _, ok := s.registry.Settings.GetString(ownerKey); !ok {
		_ = s.registry.Settings.Set(ownerKey, entityID.String())
	}
	return room
}

func (s *Server) ensureEntity(ctx context.Context, entityID uuid.UUID) {
	if _, err := s.store.GetEntityByID(ctx, entityID); err == nil {
		return
	}
	err := s.store.CreateEntities(ctx, []*types.Entity{{
		ID:        entityID,
		AgentID:   s.registry.AgentID,
		CreatedAt: time.Now(),
	}})
	if err != nil {
		s.logger.Warn("lazy entity create failed", zap.Error(err))
	}
}

// chatMemory validates a chat request body and materialises the
// incoming memory plus its room.
func (s *Server) chatMemory(ctx context.Context, req chatRequest) (*types.Memory, *types.Room, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil, apperr.Validation("Message text cannot be empty")
	}
	roomID := parseOrDeriveID(req.RoomID, "api-room")
	entityID := parseOrDeriveID(req.EntityID, "api-entity")
	room := s.ensureRoom(ctx, roomID, entityID, req.Source)
	s.ensureEntity(ctx, entityID)

	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	msg := &types.Memory{
		ID:        uuid.New(),
		EntityID:  entityID,
		AgentID:   s.registry.AgentID,
		RoomID:    room.ID,
		Partition: pipeline.PartitionMessages,
		Content: types.MemoryContent{
			Text:        req.Text,
			Source:      req.Source,
			ChannelType: room.ChannelType,
		},
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	return msg, room, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, room, err := s.chatMemory(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	taskID := s.spawnTask(chatTimeout, func(ctx context.Context) (any, error) {
		responses, err := s.pipeline.Process(ctx, msg, room)
		if err != nil {
			return nil, err
		}
		texts := make([]string, 0, len(responses))
		for _, resp := range responses {
			texts = append(texts, resp.Content.Text)
		}
		return map[string]any{"responses": texts}, nil
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"taskId":  taskID,
		"roomId":  room.ID.String(),
	})
}

// resolveStreamProvider picks the provider client for one stream,
// honoring the model_provider preference.
func (s *Server) resolveStreamProvider() (llm.Provider, error) {
	if len(s.providers) == 0 {
		return nil, apperr.Runtime("no stream provider configured")
	}
	pref, _ := s.registry.Settings.GetString("model_provider")
	if pref != "" {
		for _, p := range s.providers {
			if modeldispatch.MatchProvider(pref, p.Name()) {
				return p, nil
			}
		}
	}
	return s.providers[0], nil
}

// notifyingHandler wraps the SSE writer so the HTTP handler can block
// until the stream's terminal event has been written.
type notifyingHandler struct {
	*streaming.SSEWriter
	done chan struct{}
}

func (h *notifyingHandler) Complete(text string, meta map[string]any) error {
	err := h.SSEWriter.Complete(text, meta)
	close(h.done)
	return err
}

func (h *notifyingHandler) Error(msg string) error {
	err := h.SSEWriter.Error(msg)
	close(h.done)
	return err
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, room, err := s.chatMemory(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	provider, err := s.resolveStreamProvider()
	if err != nil {
		writeError(w, err)
		return
	}

	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		writeError(w, apperr.Runtime("streaming unsupported: %v", err))
		return
	}
	handler := &notifyingHandler{SSEWriter: sse, done: make(chan struct{})}

	st, prompt, respond := s.pipeline.Prepare(r.Context(), msg, room)
	if !respond {
		_ = handler.Complete("", nil)
		return
	}

	streamReq := streaming.Request{
		Provider: provider,
		Completion: llm.CompletionRequest{
			Prompt:      prompt,
			Temperature: modeldispatch.AdaptiveTemperature(msg.Content.Text),
			MaxTokens:   s.dispatch.TokenBudget(true),
		},
		OnComplete: func(full string, usage llm.Usage, ttft *time.Duration) map[string]any {
			return s.completeStream(msg, room, st, provider, full, usage, ttft)
		},
	}
	if err := s.streaming.Dispatch(r.Context(), streamReq, handler); err != nil {
		// The dispatcher already emitted the error event.
		return
	}

	select {
	case <-handler.done:
	case <-r.Context().Done():
	}
}

// completeStream owns the post-stream side-effects: finalise the
// pipeline, record the cost, capture a training sample, and surface
// its ID in the final chunk's meta.
func (s *Server) completeStream(msg *types.Memory, room *types.Room, st *runtime.State, provider llm.Provider, full string, usage llm.Usage, ttft *time.Duration) map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	responses := s.pipeline.Finalize(ctx, msg, room, st, full)

	s.recordStreamCost(ctx, provider, msg, full, usage, ttft)

	if len(responses) == 0 {
		return nil
	}
	reply := modeldispatch.ParseReply(full)
	if id, ok := s.pipeline.RecordSample(ctx, msg, responses[0], reply.Thought, st); ok {
		return map[string]any{"sampleId": id.String()}
	}
	return nil
}

func (s *Server) recordStreamCost(ctx context.Context, provider llm.Provider, msg *types.Memory, full string, usage llm.Usage, ttft *time.Duration) {
	promptTokens := usage.PromptTokens
	completionTokens := usage.CompletionTokens
	if promptTokens == 0 {
		promptTokens = observability.EstimateTokens(msg.Content.Text)
	}
	if completionTokens == 0 {
		completionTokens = observability.EstimateTokens(full)
	}
	rec := observability.NewCostRecord(types.LLMCostRecord{
		ID:            uuid.New(),
		Timestamp:     time.Now(),
		AgentID:       s.registry.AgentID,
		Provider:      provider.Name(),
		Model:         provider.Name(),
		PromptTokens:  promptTokens,
		CompletionTok: completionTokens,
		TotalTokens:   promptTokens + completionTokens,
		Success:       true,
	})
	if ttft != nil {
		ms := int64(*ttft / time.Millisecond)
		rec.TTFTMs = &ms
	}
	if err := s.store.PersistLLMCost(ctx, &rec); err != nil {
		s.logger.Warn("persist stream cost failed", zap.Error(err))
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string `json:"roomId"`
		EntityID string `json:"entityId"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	roomID := parseOrDeriveID(req.RoomID, "api-room")
	entityID := parseOrDeriveID(req.EntityID, "api-entity")

	taskID := s.spawnTask(stateTimeout, func(ctx context.Context) (any, error) {
		probe := &types.Memory{
			ID:       uuid.New(),
			EntityID: entityID,
			AgentID:  s.registry.AgentID,
			RoomID:   roomID,
		}
		st := s.pipeline.ComposeState(ctx, probe)
		return map[string]any{"values": st.Values}, nil
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "taskId": taskID})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		RoomID   string `json:"roomId"`
		EntityID string `json:"entityId"`
		Text     string `json:"text"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	action, ok := s.registry.Action(req.Action)
	if !ok {
		writeError(w, apperr.NotFound("unknown action %q", req.Action))
		return
	}

	msg := &types.Memory{
		ID:       uuid.New(),
		EntityID: parseOrDeriveID(req.EntityID, "api-entity"),
		AgentID:  s.registry.AgentID,
		RoomID:   parseOrDeriveID(req.RoomID, "api-room"),
		Content:  types.MemoryContent{Text: req.Text},
	}
	st := s.pipeline.ComposeState(r.Context(), msg)
	if action.Validate != nil && !action.Validate(r.Context(), msg, st) {
		writeError(w, apperr.Validation("action %q rejected the request", req.Action))
		return
	}
	result, err := action.Handler(r.Context(), msg, st)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "action failed", err))
		return
	}
	resp := map[string]any{"success": true}
	if result != nil {
		resp["text"] = result.Text
		resp["data"] = result.Data
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(r.PathValue("id"))
	if !ok {
		writeError(w, apperr.NotFound("unknown task"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleMemoryCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID    string `json:"roomId"`
		EntityID  string `json:"entityId"`
		Text      string `json:"text"`
		Partition string `json:"partition"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, apperr.Validation("Message text cannot be empty"))
		return
	}
	if req.Partition == "" {
		req.Partition = pipeline.PartitionMessages
	}
	m := &types.Memory{
		ID:        uuid.New(),
		EntityID:  parseOrDeriveID(req.EntityID, "api-entity"),
		AgentID:   s.registry.AgentID,
		RoomID:    parseOrDeriveID(req.RoomID, "api-room"),
		Partition: req.Partition,
		Content:   types.MemoryContent{Text: req.Text},
		CreatedAt: time.Now(),
	}
	if err := s.memWorker().Enqueue(m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": m.ID.String()})
}

func (s *Server) handleContextAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID string `json:"roomId"`
		Text   string `json:"text"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, apperr.Validation("hint text cannot be empty"))
		return
	}
	m := &types.Memory{
		ID:        uuid.New(),
		EntityID:  s.registry.AgentID,
		AgentID:   s.registry.AgentID,
		RoomID:    parseOrDeriveID(req.RoomID, "api-room"),
		Partition: "facts",
		Content:   types.MemoryContent{Text: req.Text, Source: "context_add"},
		CreatedAt: time.Now(),
	}
	if err := s.memWorker().Enqueue(m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleContextSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string   `json:"roomId"`
		Thoughts []string `json:"thoughts"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	roomID := parseOrDeriveID(req.RoomID, "api-room")
	saved := 0
	for _, thought := range req.Thoughts {
		if strings.TrimSpace(thought) == "" {
			continue
		}
		m := &types.Memory{
			ID:        uuid.New(),
			EntityID:  s.registry.AgentID,
			AgentID:   s.registry.AgentID,
			RoomID:    roomID,
			Partition: pipeline.PartitionThoughts,
			Content: types.MemoryContent{
				Text:     thought,
				Thought:  thought,
				Metadata: map[string]any{"memory_type": "thought"},
			},
			CreatedAt: time.Now(),
		}
		if err := s.memWorker().Enqueue(m); err != nil {
			s.logger.Warn("save thought step failed", zap.Error(err))
			continue
		}
		saved++
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "saved": saved})
}

func (s *Server) handleRoomDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID        string `json:"room_id"`
		EntityID      string `json:"entity_id"`
		PurgeMemories bool   `json:"purge_memories"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	roomID := parseOrDeriveID(req.RoomID, "api-room")

	owner, ok := s.registry.Settings.GetString("ROOM_OWNER:" + roomID.String())
	if !ok || owner != parseOrDeriveID(req.EntityID, "api-entity").String() {
		writeError(w, apperr.Forbidden("only the room owner may delete it"))
		return
	}
	if req.PurgeMemories {
		for _, partition := range []string{pipeline.PartitionMessages, pipeline.PartitionThoughts} {
			if err := s.store.RemoveAllMemories(r.Context(), roomID, partition); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	s.registry.Settings.Delete("ROOM_OWNER:" + roomID.String())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleKnowledgeIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID string `json:"roomId"`
		Text   string `json:"text"`
		Source string `json:"source"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, apperr.Validation("document text cannot be empty"))
		return
	}
	roomID := parseOrDeriveID(req.RoomID, "api-room")

	ingested := 0
	for _, para := range strings.Split(req.Text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		m := &types.Memory{
			ID:        uuid.New(),
			EntityID:  s.registry.AgentID,
			AgentID:   s.registry.AgentID,
			RoomID:    roomID,
			Partition: "knowledge",
			Content:   types.MemoryContent{Text: para, Source: req.Source},
			CreatedAt: time.Now(),
		}
		if err := s.memWorker().Enqueue(m); err != nil {
			s.logger.Warn("ingest chunk failed", zap.Error(err))
			continue
		}
		ingested++
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chunks": ingested})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	var names []string
	for _, h := range s.registry.ModelHandlers(modeldispatch.ClassTextLarge) {
		names = append(names, h.Name)
	}
	current, _ := s.registry.Settings.GetString("model_provider")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"providers": names,
		"current":   current,
	})
}

func (s *Server) handleProviderSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeError(w, apperr.Validation("provider cannot be empty"))
		return
	}
	for _, h := range s.registry.ModelHandlers(modeldispatch.ClassTextLarge) {
		if modeldispatch.MatchProvider(req.Provider, h.Name) {
			if err := s.registry.Settings.Set("model_provider", req.Provider); err != nil {
				writeError(w, apperr.Runtime("persist provider preference: %v", err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success":  true,
				"provider": h.Name,
			})
			return
		}
	}
	writeError(w, apperr.NotFound("no registered provider matches %q", req.Provider))
}

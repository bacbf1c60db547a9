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

// Package bootstrap assembles the default capability plugin every
// agent process registers: the REPLY action, the core context
// providers (character sheet, recent messages, knowledge recall), the
// training-capture evaluator, and one model handler per configured
// provider client.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/llm"
	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/pipeline"
	rt "github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/training"
	"github.com/conversant/agentrt/pkg/types"
)

// recentMessageLimit bounds the conversation window injected by the
// recent_messages provider.
const recentMessageLimit = 15

// Config configures the bootstrap plugin.
type Config struct {
	Store     storage.Store
	Character *types.Character

	// Providers become TEXT_LARGE model handlers; local ones get a
	// lower priority so cloud providers win by default.
	Providers []llm.Provider

	// Training, when set, enables the capture evaluator.
	Training *training.Collector

	Logger *zap.Logger
}

// Plugin builds the default capability set.
func Plugin(cfg Config) rt.Plugin {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := rt.Plugin{
		Name: "bootstrap",
		Actions: []rt.Action{
			{
				Name: "REPLY",
				Validate: func(context.Context, *types.Memory, *rt.State) bool {
					return true
				},
				Handler: func(context.Context, *types.Memory, *rt.State) (*rt.ActionResult, error) {
					// The pipeline materialises the reply text itself;
					// the action exists so parsed envelopes always
					// have a valid first action.
					return nil, nil
				},
			},
		},
		Providers: []rt.Provider{
			characterProvider(cfg.Character),
			recentMessagesProvider(cfg.Store, cfg.Character),
			knowledgeRecallProvider(cfg.Store, cfg.Logger),
		},
		EventHandlers: map[string][]rt.EventHandler{
			"MESSAGE_SENT": {func(_ context.Context, payload map[string]any) {
				cfg.Logger.Debug("message sent", zap.Any("payload", payload))
			}},
		},
		Schema: map[string]map[string]string{
			"conversation_stats": {
				"id":            "TEXT PRIMARY KEY",
				"room_id":       "TEXT REFERENCES rooms(id)",
				"message_count": "INTEGER NOT NULL",
				"updated_at":    "INTEGER NOT NULL",
			},
		},
	}

	if cfg.Training != nil {
		p.Evaluators = append(p.Evaluators, trainingEvaluator(cfg.Training, cfg.Logger))
	}

	for i, provider := range cfg.Providers {
		p.ModelHandlers = append(p.ModelHandlers, modelHandler(provider, i))
	}
	return p
}

func characterProvider(character *types.Character) rt.Provider {
	return rt.Provider{
		Name:     "character",
		Priority: 100,
		Get: func(context.Context, *types.Memory, *rt.State) (rt.ProviderResult, error) {
			if character == nil {
				return rt.ProviderResult{}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "You are %s.", character.Name)
			if len(character.Bio) > 0 {
				b.WriteString("\n" + strings.Join(character.Bio, "\n"))
			}
			if len(character.Lore) > 0 {
				b.WriteString("\n" + strings.Join(character.Lore, "\n"))
			}
			return rt.ProviderResult{Text: b.String()}, nil
		},
	}
}

func recentMessagesProvider(store storage.Store, character *types.Character) rt.Provider {
	agentName := "agent"
	if character != nil && character.Name != "" {
		agentName = character.Name
	}
	return rt.Provider{
		Name:     "recent_messages",
		Priority: 90,
		Get: func(ctx context.Context, msg *types.Memory, _ *rt.State) (rt.ProviderResult, error) {
			memories, err := store.QueryMemories(ctx, storage.MemoryQuery{
				AgentID:   msg.AgentID,
				RoomID:    &msg.RoomID,
				Partition: pipeline.PartitionMessages,
				Limit:     recentMessageLimit,
			})
			if err != nil {
				return rt.ProviderResult{}, err
			}
			// Readers reconstruct dialogue by created_at.
			sort.Slice(memories, func(i, j int) bool {
				return memories[i].CreatedAt.Before(memories[j].CreatedAt)
			})
			var b strings.Builder
			for _, m := range memories {
				speaker := "user"
				if m.IsAgentUtterance() {
					speaker = agentName
				}
				fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content.Text)
			}
			return rt.ProviderResult{
				Text:   strings.TrimRight(b.String(), "\n"),
				Values: map[string]string{"MESSAGE_COUNT": fmt.Sprintf("%d", len(memories))},
			}, nil
		},
	}
}

// knowledgeRecallProvider surfaces stored knowledge snippets. With a
// vector-capable backend it searches by the message's embedding;
// otherwise it degrades to a recency-ordered query.
func knowledgeRecallProvider(store storage.Store, logger *zap.Logger) rt.Provider {
	return rt.Provider{
		Name:     "knowledge_recall",
		Priority: 50,
		Get: func(ctx context.Context, msg *types.Memory, _ *rt.State) (rt.ProviderResult, error) {
			var memories []*types.Memory
			var err error
			if store.SupportsVectorSearch() && len(msg.Embedding) > 0 {
				memories, err = store.SearchMemoriesByEmbedding(ctx, storage.VectorSearchQuery{
					Table:     "memories",
					Embedding: msg.Embedding,
					AgentID:   msg.AgentID,
					RoomID:    &msg.RoomID,
					K:         5,
				})
				if err != nil {
					logger.Debug("vector recall unavailable, falling back to recency", zap.Error(err))
					memories = nil
				}
			}
			if memories == nil {
				memories, err = store.QueryMemories(ctx, storage.MemoryQuery{
					AgentID:   msg.AgentID,
					RoomID:    &msg.RoomID,
					Partition: "knowledge",
					Limit:     5,
				})
				if err != nil {
					return rt.ProviderResult{}, err
				}
			}
			if len(memories) == 0 {
				return rt.ProviderResult{}, nil
			}
			var b strings.Builder
			for _, m := range memories {
				b.WriteString("- " + m.Content.Text + "\n")
			}
			return rt.ProviderResult{Text: strings.TrimRight(b.String(), "\n")}, nil
		},
	}
}

func trainingEvaluator(collector *training.Collector, logger *zap.Logger) rt.Evaluator {
	return rt.Evaluator{
		Name:      "training_capture",
		AlwaysRun: true,
		Handler: func(ctx context.Context, msg *types.Memory, st *rt.State, didRespond bool, responses []*types.Memory) error {
			if !didRespond || len(responses) == 0 {
				return nil
			}
			_, err := collector.RecordConversationTurn(ctx, msg, responses[0], responses[0].Content.Thought, st)
			if err != nil {
				logger.Warn("training capture failed", zap.Error(err))
			}
			return err
		},
	}
}

func modelHandler(provider llm.Provider, index int) rt.ModelHandler {
	priority := 100 - index*10
	if provider.Local() {
		priority -= 50
	}
	return rt.ModelHandler{
		Name:     provider.Name(),
		Class:    modeldispatch.ClassTextLarge,
		Priority: priority,
		Handler: func(ctx context.Context, params rt.ModelHandlerParams) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()
			text, _, err := provider.Complete(ctx, llm.CompletionRequest{
				Prompt:      params.Prompt,
				Temperature: params.Temperature,
				MaxTokens:   params.MaxTokens,
				TopP:        params.TopP,
				Stop:        params.Stop,
			})
			return text, err
		},
	}
}

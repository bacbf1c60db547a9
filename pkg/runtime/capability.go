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

// Package runtime holds the agent identity and its registered
// capability tables: actions, providers, evaluators, services, model
// handlers, and event handlers. It is the central registry every
// other package (pipeline, state, streaming) queries to find the
// right handler for a given request.
package runtime

import (
	"context"

	"github.com/conversant/agentrt/pkg/types"
)

// ActionResult is the optional outcome of running an Action.
type ActionResult struct {
	Text string
	Data map[string]any
}

// Action is an intent the agent can execute; REPLY is the canonical
// one processed by every pipeline run.
type Action struct {
	Name     string
	Validate func(ctx context.Context, msg *types.Memory, state *State) bool
	Handler  func(ctx context.Context, msg *types.Memory, state *State) (*ActionResult, error)
}

// ProviderResult is a provider's contribution to State Composition.
type ProviderResult struct {
	Text   string
	Values map[string]string
	Data   map[string]any
}

// Provider contributes a piece of context during state composition.
// Providers run in descending Priority order; when two set the same
// key, the later (lower-priority) one's value wins.
type Provider struct {
	Name     string
	Priority int
	Get      func(ctx context.Context, msg *types.Memory, state *State) (ProviderResult, error)
}

// Evaluator is a post-response hook run after the pipeline has
// materialized its response memories, unless fast mode is active.
type Evaluator struct {
	Name       string
	AlwaysRun  bool
	Validate   func(ctx context.Context, msg *types.Memory, state *State) bool
	Handler    func(ctx context.Context, msg *types.Memory, state *State, didRespond bool, responses []*types.Memory) error
}

// Service is a long-lived component indexed by its ServiceType.
type Service interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
	ServiceType() string
}

// ModelHandlerParams are the generation parameters passed to a model
// handler by the dispatcher.
type ModelHandlerParams struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
}

// ModelHandler answers requests for one model class (TEXT_LARGE,
// TEXT_SMALL, TEXT_EMBEDDING, ...). When several compete for the same
// class, the highest-Priority (or user-preferred) one wins.
type ModelHandler struct {
	Name     string // this handler's own identity, e.g. "openai-gpt-4o"
	Class    string // the model class it answers, e.g. "TEXT_LARGE"
	Priority int
	Handler  func(ctx context.Context, params ModelHandlerParams) (string, error)
}

// EventHandler is a callback dispatched on a domain event such as
// MESSAGE_SENT.
type EventHandler func(ctx context.Context, payload map[string]any)

// Plugin bundles every capability a registerable unit contributes,
// plus the optional table schema it owns (consumed by the storage
// migration engine).
type Plugin struct {
	Name          string
	Actions       []Action
	Providers     []Provider
	Evaluators    []Evaluator
	Services      []Service
	ModelHandlers []ModelHandler
	EventHandlers map[string][]EventHandler
	Schema        map[string]map[string]string // table -> column -> "TYPE [REFERENCES other(col)]"
}

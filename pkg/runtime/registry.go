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
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conversant/agentrt/internal/csync"
	"github.com/conversant/agentrt/pkg/lockpolicy"
)

// lockOrder documents the fixed acquisition order for the registry's
// independent mutable regions:
// plugins → actions → providers → evaluators → services → models →
// events. Nothing in this package currently needs to hold
// two of these locks at once, but callers extending the registry
// MUST follow this order to avoid deadlocks.
const (
	lockPlugins = iota
	lockActions
	lockProviders
	lockEvaluators
	lockServices
	lockModels
	lockEvents
)

var lockNames = []string{"plugins", "actions", "providers", "evaluators", "services", "models", "events"}

// Config configures a new Registry.
type Config struct {
	AgentID  uuid.UUID
	Logger   *zap.Logger
	Strategy lockpolicy.Strategy
}

// Registry holds one agent's identity and every capability it has
// registered: the Action/Provider/Evaluator/Service/ModelHandler/
// EventHandler tables, the settings map, and the current run ID.
type Registry struct {
	AgentID uuid.UUID

	logger   *zap.Logger
	strategy lockpolicy.Strategy
	metrics  *lockpolicy.Metrics

	plugins    *csync.Map[string, Plugin]
	actions    *csync.Map[string, Action]
	providers  *csync.Map[string, Provider]
	evaluators *csync.Map[string, Evaluator]
	services   *csync.Map[string, Service]

	modelsMu sync.Mutex // guards the sorted-by-priority slice per class
	models   map[string][]ModelHandler

	events *csync.Map[string, []EventHandler]

	Settings *Settings

	watcher *fsnotify.Watcher

	runMu     sync.Mutex
	currentID *uuid.UUID
}

// NewRegistry constructs an empty registry for one agent. The caller
// is responsible for calling Close to stop the file watcher.
func NewRegistry(config Config) (*Registry, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Strategy == nil {
		config.Strategy = lockpolicy.AlwaysFail{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create character-file watcher: %w", err)
	}

	return &Registry{
		AgentID:    config.AgentID,
		logger:     config.Logger,
		strategy:   config.Strategy,
		metrics:    lockpolicy.NewMetrics(),
		plugins:    csync.NewMap[string, Plugin](),
		actions:    csync.NewMap[string, Action](),
		providers:  csync.NewMap[string, Provider](),
		evaluators: csync.NewMap[string, Evaluator](),
		services:   csync.NewMap[string, Service](),
		models:     make(map[string][]ModelHandler),
		events:     csync.NewMap[string, []EventHandler](),
		Settings:   NewSettings(),
		watcher:    watcher,
	}, nil
}

// Close stops the character-file watcher.
func (r *Registry) Close() error {
	return r.watcher.Close()
}

// Watcher exposes the fsnotify watcher so the caller can add
// character-file paths to watch for hot reload.
func (r *Registry) Watcher() *fsnotify.Watcher {
	return r.watcher
}

// RegisterPlugin registers every capability a plugin exposes,
// following the fixed lock order: plugins → actions → providers →
// evaluators → services → models → events. Each table is updated
// under lockpolicy.Guard so a panicking registration is accounted for
// rather than silently corrupting the registry.
func (r *Registry) RegisterPlugin(ctx context.Context, p Plugin) error {
	if err := lockpolicy.Guard(lockNames[lockPlugins], r.strategy, r.metrics, true, func() error {
		r.plugins.Set(p.Name, p)
		return nil
	}); err != nil {
		return err
	}

	if err := lockpolicy.Guard(lockNames[lockActions], r.strategy, r.metrics, true, func() error {
		for _, a := range p.Actions {
			r.actions.Set(a.Name, a)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := lockpolicy.Guard(lockNames[lockProviders], r.strategy, r.metrics, true, func() error {
		for _, pr := range p.Providers {
			r.providers.Set(pr.Name, pr)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := lockpolicy.Guard(lockNames[lockEvaluators], r.strategy, r.metrics, true, func() error {
		for _, e := range p.Evaluators {
			r.evaluators.Set(e.Name, e)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := lockpolicy.Guard(lockNames[lockServices], r.strategy, r.metrics, true, func() error {
		for _, svc := range p.Services {
			r.services.Set(svc.ServiceType(), svc)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := lockpolicy.Guard(lockNames[lockModels], r.strategy, r.metrics, true, func() error {
		r.modelsMu.Lock()
		defer r.modelsMu.Unlock()
		for _, mh := range p.ModelHandlers {
			r.insertModelHandlerLocked(mh)
		}
		return nil
	}); err != nil {
		return err
	}

	return lockpolicy.Guard(lockNames[lockEvents], r.strategy, r.metrics, true, func() error {
		for name, handlers := range p.EventHandlers {
			existing, _ := r.events.Get(name)
			r.events.Set(name, append(existing, handlers...))
		}
		return nil
	})
}

// insertModelHandlerLocked inserts mh keeping the class's handler list
// sorted by descending priority. Callers must hold modelsMu.
func (r *Registry) insertModelHandlerLocked(mh ModelHandler) {
	r.models[mh.Class] = append(r.models[mh.Class], mh)
	sort.SliceStable(r.models[mh.Class], func(i, j int) bool {
		return r.models[mh.Class][i].Priority > r.models[mh.Class][j].Priority
	})
}

// ModelHandlers returns the registered handlers for a model class,
// sorted by descending priority.
func (r *Registry) ModelHandlers(class string) []ModelHandler {
	r.modelsMu.Lock()
	defer r.modelsMu.Unlock()
	out := make([]ModelHandler, len(r.models[class]))
	copy(out, r.models[class])
	return out
}

// Action looks up a registered action by name.
func (r *Registry) Action(name string) (Action, bool) {
	return r.actions.Get(name)
}

// ActionNames returns every registered action name, unordered.
func (r *Registry) ActionNames() []string {
	var out []string
	r.actions.Seq(func(name string, _ Action) bool {
		out = append(out, name)
		return true
	})
	return out
}

// Providers returns every registered provider, unordered; callers
// needing priority order should sort the result themselves.
func (r *Registry) Providers() []Provider {
	var out []Provider
	r.providers.Seq(func(_ string, p Provider) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Evaluators returns every registered evaluator, unordered; the order
// they were registered in is not kept.
func (r *Registry) Evaluators() []Evaluator {
	var out []Evaluator
	r.evaluators.Seq(func(_ string, e Evaluator) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Service looks up a registered long-lived service by its service
// type.
func (r *Registry) Service(serviceType string) (Service, bool) {
	return r.services.Get(serviceType)
}

// EmitEvent dispatches payload to every handler registered for name.
// Handlers run synchronously and in registration order; a handler
// panicking is recovered and logged, never propagated, since event
// dispatch MUST NOT fail the pipeline stage that triggered it.
func (r *Registry) EmitEvent(ctx context.Context, name string, payload map[string]any) {
	handlers, _ := r.events.Get(name)
	for _, h := range handlers {
		r.runHandlerSafely(ctx, h, name, payload)
	}
}

func (r *Registry) runHandlerSafely(ctx context.Context, h EventHandler, name string, payload map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				zap.String("event", name), zap.Any("panic", rec))
		}
	}()
	h(ctx, payload)
}

// LockHealth exposes the lock/poison metrics for this registry's
// capability tables.
func (r *Registry) LockHealth() (healthy bool, worst []lockpolicy.LockHealth) {
	return r.metrics.GetLockHealthStatus()
}

// LockMetrics exposes the shared poison/recovery counter set, e.g.
// for prometheus export.
func (r *Registry) LockMetrics() *lockpolicy.Metrics {
	return r.metrics
}

// StartRun assigns a fresh run ID, scoping evaluator and cost-record
// correlation for the duration of one pipeline invocation.
func (r *Registry) StartRun() uuid.UUID {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	id := uuid.New()
	r.currentID = &id
	return id
}

// EndRun clears the current run ID.
func (r *Registry) EndRun() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.currentID = nil
}

// CurrentRun returns the active run ID, if any.
func (r *Registry) CurrentRun() (uuid.UUID, bool) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.currentID == nil {
		return uuid.UUID{}, false
	}
	return *r.currentID, true
}

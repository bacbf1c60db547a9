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

// Package state composes the keyed context bag rendered into the
// message-handler prompt: it runs every registered provider in
// priority order, merges their contributions, injects the ui:* and
// context:last_thought annotations from settings, and flags when the rendered
// context would overflow the model window.
package state

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/types"
)

// CompactionSafetyMargin is subtracted from the model context window
// before deciding whether the rendered context needs compaction.
const CompactionSafetyMargin = 256

// fastModeSkip lists provider-name substrings skipped in fast mode.
var fastModeSkip = []string{"planner", "recall", "session_cues"}

// annotationKeys maps settings keys written by the phase-0
// preprocessor to the state keys templates consume.
var annotationKeys = map[string]string{
	"ui:tone":                      "UI_TONE",
	"ui:verbosity":                 "UI_VERBOSITY",
	"ui:language":                  "UI_LANGUAGE",
	"ui:intent":                    "UI_INTENT",
	"ui:topics":                    "UI_TOPICS",
	"ui:keywords":                  "UI_KEYWORDS",
	"ui:entities":                  "UI_ENTITIES",
	"ui:complexity_level":          "UI_COMPLEXITY_LEVEL",
	"ui:suggested_response_length": "UI_SUGGESTED_RESPONSE_LENGTH",
	"ui:topic_shift":               "UI_TOPIC_SHIFT",
	"context:last_thought":         "CONTEXT_LAST_THOUGHT",
}

// Config configures a Composer.
type Config struct {
	Registry *runtime.Registry
	Logger   *zap.Logger
	Tracer   observability.Tracer

	// MaxDynamicEntries caps list-valued annotations (topics, keywords,
	// entities) injected into the state, per DYNAMIC_PROMPT_MAX_ENTRIES.
	MaxDynamicEntries int
}

// Composer runs state composition for one registry.
type Composer struct {
	registry   *runtime.Registry
	logger     *zap.Logger
	tracer     observability.Tracer
	maxEntries int
}

// NewComposer builds a Composer, defaulting a nil logger/tracer to
// no-ops and MaxDynamicEntries to 1000.
func NewComposer(cfg Config) *Composer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.MaxDynamicEntries <= 0 {
		cfg.MaxDynamicEntries = 1000
	}
	return &Composer{
		registry:   cfg.Registry,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		maxEntries: cfg.MaxDynamicEntries,
	}
}

// Options tunes one Compose call.
type Options struct {
	// Include, when non-empty, restricts composition to the named
	// providers.
	Include []string

	// FastMode skips providers whose names contain "planner",
	// "recall", or "session_cues".
	FastMode bool

	// ContextWindow is the selected model's context window in tokens;
	// zero disables the compaction check.
	ContextWindow int
}

// Compose runs every eligible provider against msg and returns the
// merged state. A provider failure is logged and skipped; composition
// never aborts because one provider failed.
func (c *Composer) Compose(ctx context.Context, msg *types.Memory, opts Options) *runtime.State {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanStateCompose,
		observability.WithAttribute(observability.AttrRoomID, msg.RoomID.String()))
	defer c.tracer.EndSpan(span)

	st := runtime.NewState()

	providers := c.registry.Providers()
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority > providers[j].Priority
	})

	include := map[string]bool{}
	for _, name := range opts.Include {
		include[name] = true
	}

	for _, p := range providers {
		if len(include) > 0 && !include[p.Name] {
			continue
		}
		if opts.FastMode && skippedInFastMode(p.Name) {
			continue
		}
		result, err := p.Get(ctx, msg, st)
		if err != nil {
			c.logger.Warn("provider failed, skipping",
				zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		if result.Text != "" {
			st.MergeText(p.Name, result.Text)
		}
		st.MergeValues(result.Values)
		st.MergeData(result.Data)
	}

	c.injectAnnotations(st)

	if opts.ContextWindow > 0 {
		compact := EstimateStateTokens(st) > opts.ContextWindow-CompactionSafetyMargin
		if compact {
			st.Values["UI_COMPACT_CONTEXT"] = "true"
		} else {
			st.Values["UI_COMPACT_CONTEXT"] = "false"
		}
	}

	return st
}

// injectAnnotations copies the side-channel ui:*/context annotations
// out of settings into the state, capping list-valued ones at the
// configured dynamic entry limit.
func (c *Composer) injectAnnotations(st *runtime.State) {
	settings := c.registry.Settings
	for settingKey, stateKey := range annotationKeys {
		v, ok := settings.GetString(settingKey)
		if !ok || v == "" {
			continue
		}
		st.Values[stateKey] = c.capEntries(v)
	}
}

// capEntries truncates a comma-separated annotation list to the
// dynamic entry limit; scalar values pass through untouched.
func (c *Composer) capEntries(v string) string {
	if !strings.Contains(v, ",") {
		return v
	}
	parts := strings.Split(v, ",")
	if len(parts) <= c.maxEntries {
		return v
	}
	return strings.Join(parts[:c.maxEntries], ",")
}

// EstimateStateTokens estimates the token footprint of a state's
// renderable values.
func EstimateStateTokens(st *runtime.State) int {
	var b strings.Builder
	for _, v := range st.Values {
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return observability.EstimateTokens(b.String())
}

func skippedInFastMode(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range fastModeSkip {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

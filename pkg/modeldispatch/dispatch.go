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

// Package modeldispatch selects the model handler for one generation,
// computes adaptive temperature and token budgets, optionally races
// the top-priority handlers, and parses the XML response envelope the
// model is prompted to return.
package modeldispatch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/llm"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/runtime"
)

// Model classes answered by registered handlers.
const (
	ClassTextLarge     = "TEXT_LARGE"
	ClassTextSmall     = "TEXT_SMALL"
	ClassTextEmbedding = "TEXT_EMBEDDING"
)

// localAliases are the model_provider values that all resolve to the
// local model family.
var localAliases = []string{"ollama", "local", "llama", "llamacpp", "localai"}

// maxRaceHandlers bounds how many handlers a provider race fans out to.
const maxRaceHandlers = 3

// cutoffSafetyMargin is subtracted from the model's max output tokens
// when avoid-cutoff raises the budget.
const cutoffSafetyMargin = 64

// safeFallbackText is returned inside a minimal envelope when a cloud
// provider fails and no local fallback is possible.
const safeFallbackText = "I ran into a problem generating a response. Please try again."

// Config configures a Dispatcher.
type Config struct {
	Registry *runtime.Registry
	Logger   *zap.Logger
	Tracer   observability.Tracer

	// RateLimiter, when set, wraps every raced handler call so a
	// racing fan-out cannot blow through a provider's throttling
	// limits.
	RateLimiter *llm.RateLimiter

	// LocalFallback is invoked when the preferred provider was local
	// and the selected handler failed: a direct Ollama-style call.
	LocalFallback func(ctx context.Context, params runtime.ModelHandlerParams) (string, error)

	// BaseTokens is the configured base token budget before verbosity
	// scaling. TokenFloor is the minimum budget when avoid-cutoff is
	// off; MaxOutputTokens the model ceiling used when it is on.
	BaseTokens      int
	TokenFloor      int
	MaxOutputTokens int
}

// Dispatcher resolves and invokes model handlers for one registry.
type Dispatcher struct {
	registry      *runtime.Registry
	logger        *zap.Logger
	tracer        observability.Tracer
	limiter       *llm.RateLimiter
	localFallback func(ctx context.Context, params runtime.ModelHandlerParams) (string, error)

	baseTokens      int
	tokenFloor      int
	maxOutputTokens int
}

// NewDispatcher builds a Dispatcher with sane defaults for unset
// budget fields.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.BaseTokens <= 0 {
		cfg.BaseTokens = 1024
	}
	if cfg.TokenFloor <= 0 {
		cfg.TokenFloor = 256
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 4096
	}
	return &Dispatcher{
		registry:        cfg.Registry,
		logger:          cfg.Logger,
		tracer:          cfg.Tracer,
		limiter:         cfg.RateLimiter,
		localFallback:   cfg.LocalFallback,
		baseTokens:      cfg.BaseTokens,
		tokenFloor:      cfg.TokenFloor,
		maxOutputTokens: cfg.MaxOutputTokens,
	}
}

// MatchProvider applies the alias-and-substring resolution rule: the
// preference matches a handler name when the name contains the
// preference (case-insensitive), or, for local-family aliases, when
// the name contains any alias in the family.
func MatchProvider(pref, name string) bool {
	pref = strings.ToLower(strings.TrimSpace(pref))
	name = strings.ToLower(name)
	if pref == "" {
		return false
	}
	candidates := []string{pref}
	for _, a := range localAliases {
		if pref == a {
			candidates = localAliases
			break
		}
	}
	for _, c := range candidates {
		if strings.Contains(name, c) {
			return true
		}
	}
	return false
}

// Resolve orders the registered handlers for class with the
// user-preferred provider (the model_provider setting) first, keeping
// descending priority within each group. It fails with a runtime
// error when the class has no handlers at all.
func (d *Dispatcher) Resolve(class string) ([]runtime.ModelHandler, error) {
	handlers := d.registry.ModelHandlers(class)
	if len(handlers) == 0 {
		return nil, apperr.Runtime("no model handler registered for class %s", class)
	}
	pref, _ := d.registry.Settings.GetString("model_provider")
	if pref == "" {
		return handlers, nil
	}
	var preferred, rest []runtime.ModelHandler
	for _, h := range handlers {
		if MatchProvider(pref, h.Name) {
			preferred = append(preferred, h)
		} else {
			rest = append(rest, h)
		}
	}
	return append(preferred, rest...), nil
}

// AdaptiveTemperature picks the sampling temperature from the prompt's
// shape: 0.4 for factual questions, 0.8 for creative prompts, 0.7
// otherwise.
func AdaptiveTemperature(prompt string) float64 {
	t := strings.ToLower(strings.TrimSpace(prompt))
	if strings.HasSuffix(t, "?") || hasLeadingWhWord(t) {
		return 0.4
	}
	for _, kw := range []string{"brainstorm", "ideas", "suggestions"} {
		if strings.Contains(t, kw) {
			return 0.8
		}
	}
	return 0.7
}

func hasLeadingWhWord(t string) bool {
	for _, w := range []string{"what", "who", "when", "where", "why", "which", "how"} {
		if strings.HasPrefix(t, w+" ") || strings.HasPrefix(t, w+"'") {
			return true
		}
	}
	return false
}

// TokenBudget computes the max-token budget for one generation from
// the configured base, the ui:verbosity scale, and the avoid-cutoff
// policy.
func (d *Dispatcher) TokenBudget(streaming bool) int {
	budget := d.baseTokens
	if verbosity, ok := d.registry.Settings.GetString("ui:verbosity"); ok {
		switch verbosity {
		case "short":
			budget = int(float64(budget) * 0.6)
		case "long":
			budget = int(float64(budget) * 1.5)
		}
	}
	avoidCutoff, _ := d.registry.Settings.GetBool("ui:avoid_cutoff")
	if avoidCutoff && streaming {
		if ceiling := d.maxOutputTokens - cutoffSafetyMargin; budget < ceiling {
			budget = ceiling
		}
	} else if budget < d.tokenFloor {
		budget = d.tokenFloor
	}
	return budget
}

// Generate resolves a handler for class and invokes it with adaptive
// parameters, racing the top handlers when ui:provider_racing is on.
// On failure it falls back: a direct local call when the preferred
// provider was local, a minimal safe envelope otherwise.
func (d *Dispatcher) Generate(ctx context.Context, class, prompt string) (string, error) {
	ctx, span := d.tracer.StartSpan(ctx, observability.SpanModelDispatch,
		observability.WithAttribute(observability.AttrModelName, class))
	defer d.tracer.EndSpan(span)

	handlers, err := d.Resolve(class)
	if err != nil {
		return "", err
	}

	params := runtime.ModelHandlerParams{
		Prompt:      prompt,
		Temperature: AdaptiveTemperature(prompt),
		MaxTokens:   d.TokenBudget(false),
	}

	racing, _ := d.registry.Settings.GetBool("ui:provider_racing")
	start := time.Now()
	var text string
	if racing && len(handlers) > 1 {
		text, err = d.race(ctx, handlers, params)
	} else {
		text, err = d.invoke(ctx, handlers[0], params)
	}
	d.tracer.RecordMetric(observability.MetricModelLatency,
		float64(time.Since(start))/float64(time.Millisecond),
		map[string]string{"class": class})

	if err == nil {
		return text, nil
	}

	pref, _ := d.registry.Settings.GetString("model_provider")
	if isLocalAlias(pref) && d.localFallback != nil {
		d.logger.Warn("model handler failed, falling back to direct local call",
			zap.String("class", class), zap.Error(err))
		if text, ferr := d.localFallback(ctx, params); ferr == nil {
			return text, nil
		}
		return "", apperr.Model(err, "local model and fallback both failed")
	}

	d.logger.Warn("model handler failed, returning safe reply",
		zap.String("class", class), zap.Error(err))
	d.tracer.RecordMetric(observability.MetricModelErrors, 1, map[string]string{"class": class})
	return RenderReply("", nil, safeFallbackText), nil
}

func isLocalAlias(pref string) bool {
	pref = strings.ToLower(strings.TrimSpace(pref))
	for _, a := range localAliases {
		if pref == a {
			return true
		}
	}
	return false
}

// invoke calls one handler, routing through the rate limiter when one
// is configured.
func (d *Dispatcher) invoke(ctx context.Context, h runtime.ModelHandler, params runtime.ModelHandlerParams) (string, error) {
	if d.limiter == nil {
		return h.Handler(ctx, params)
	}
	out, err := d.limiter.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return h.Handler(ctx, params)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// race fans the request out to the top-N handlers and returns the
// first success, cancelling the rest. All failing is a model error
// carrying the first failure.
func (d *Dispatcher) race(ctx context.Context, handlers []runtime.ModelHandler, params runtime.ModelHandlerParams) (string, error) {
	if len(handlers) > maxRaceHandlers {
		handlers = handlers[:maxRaceHandlers]
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	results := make(chan outcome, len(handlers))
	for _, h := range handlers {
		go func(h runtime.ModelHandler) {
			text, err := d.invoke(ctx, h, params)
			results <- outcome{text: text, err: err}
		}(h)
	}

	var firstErr error
	for range handlers {
		select {
		case r := <-results:
			if r.err == nil {
				return r.text, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			return "", apperr.Model(firstErr, "provider race cancelled")
		}
	}
	return "", apperr.Model(firstErr, "every raced provider failed")
}

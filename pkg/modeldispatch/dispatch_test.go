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
package modeldispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/runtime"
)

func newTestRegistry(t *testing.T, handlers ...runtime.ModelHandler) *runtime.Registry {
	t.Helper()
	reg, err := runtime.NewRegistry(runtime.Config{AgentID: uuid.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name:          "models",
		ModelHandlers: handlers,
	}))
	return reg
}

func staticHandler(name string, priority int, text string) runtime.ModelHandler {
	return runtime.ModelHandler{
		Name:     name,
		Class:    ClassTextLarge,
		Priority: priority,
		Handler: func(context.Context, runtime.ModelHandlerParams) (string, error) {
			return text, nil
		},
	}
}

func failingHandler(name string, priority int) runtime.ModelHandler {
	return runtime.ModelHandler{
		Name:     name,
		Class:    ClassTextLarge,
		Priority: priority,
		Handler: func(context.Context, runtime.ModelHandlerParams) (string, error) {
			return "", errors.New("provider down")
		},
	}
}

func TestMatchProviderAliases(t *testing.T) {
	// The S6 rule: "ollama" matches "local-llm" through the local
	// alias family.
	assert.True(t, MatchProvider("ollama", "local-llm"))
	assert.True(t, MatchProvider("ollama", "ollama:llama3"))
	assert.True(t, MatchProvider("llamacpp", "ollama:llama3"))
	assert.True(t, MatchProvider("OpenAI", "openai:gpt-4o"))
	assert.False(t, MatchProvider("openai", "local-llm"))
	assert.False(t, MatchProvider("", "openai:gpt-4o"))
}

func TestResolvePrefersConfiguredProvider(t *testing.T) {
	reg := newTestRegistry(t,
		staticHandler("openai:gpt-4o", 10, "cloud"),
		staticHandler("local-llm", 5, "local"),
	)
	d := NewDispatcher(Config{Registry: reg})

	ordered, err := d.Resolve(ClassTextLarge)
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o", ordered[0].Name)

	require.NoError(t, reg.Settings.Set("model_provider", "ollama"))
	ordered, err = d.Resolve(ClassTextLarge)
	require.NoError(t, err)
	assert.Equal(t, "local-llm", ordered[0].Name)
}

func TestResolveNoHandlers(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := NewDispatcher(Config{Registry: reg}).Resolve(ClassTextLarge)
	require.Error(t, err)
}

func TestAdaptiveTemperature(t *testing.T) {
	assert.Equal(t, 0.4, AdaptiveTemperature("What is the capital of France?"))
	assert.Equal(t, 0.4, AdaptiveTemperature("how do I restart the server"))
	assert.Equal(t, 0.8, AdaptiveTemperature("give me some ideas for the launch party"))
	assert.Equal(t, 0.7, AdaptiveTemperature("Tell me about your day."))
}

func TestTokenBudget(t *testing.T) {
	reg := newTestRegistry(t, staticHandler("m", 0, "x"))
	d := NewDispatcher(Config{Registry: reg, BaseTokens: 1000, TokenFloor: 300, MaxOutputTokens: 4096})

	assert.Equal(t, 1000, d.TokenBudget(false))

	require.NoError(t, reg.Settings.Set("ui:verbosity", "short"))
	assert.Equal(t, 600, d.TokenBudget(false))

	require.NoError(t, reg.Settings.Set("ui:verbosity", "long"))
	assert.Equal(t, 1500, d.TokenBudget(false))

	require.NoError(t, reg.Settings.Set("ui:verbosity", "short"))
	require.NoError(t, reg.Settings.Set("ui:avoid_cutoff", true))
	assert.Equal(t, 4096-cutoffSafetyMargin, d.TokenBudget(true))

	// Floor applies when the scaled budget dips below it and
	// avoid-cutoff doesn't raise it.
	d2 := NewDispatcher(Config{Registry: reg, BaseTokens: 400, TokenFloor: 300})
	require.NoError(t, reg.Settings.Set("ui:avoid_cutoff", false))
	assert.Equal(t, 300, d2.TokenBudget(false))
}

func TestGenerateUsesTopHandler(t *testing.T) {
	reg := newTestRegistry(t,
		staticHandler("openai:gpt-4o", 10, "from cloud"),
		staticHandler("local-llm", 5, "from local"),
	)
	d := NewDispatcher(Config{Registry: reg})
	text, err := d.Generate(context.Background(), ClassTextLarge, "hi")
	require.NoError(t, err)
	assert.Equal(t, "from cloud", text)
}

func TestGenerateRacingReturnsFirstSuccess(t *testing.T) {
	reg := newTestRegistry(t,
		failingHandler("openai:gpt-4o", 10),
		staticHandler("local-llm", 5, "winner"),
	)
	require.NoError(t, reg.Settings.Set("ui:provider_racing", true))
	d := NewDispatcher(Config{Registry: reg})
	text, err := d.Generate(context.Background(), ClassTextLarge, "hi")
	require.NoError(t, err)
	assert.Equal(t, "winner", text)
}

func TestGenerateCloudFailureReturnsSafeEnvelope(t *testing.T) {
	reg := newTestRegistry(t, failingHandler("openai:gpt-4o", 10))
	d := NewDispatcher(Config{Registry: reg})
	text, err := d.Generate(context.Background(), ClassTextLarge, "hi")
	require.NoError(t, err)
	parsed := ParseReply(text)
	assert.NotEmpty(t, parsed.Text)
}

func TestGenerateLocalFailureUsesFallback(t *testing.T) {
	reg := newTestRegistry(t, failingHandler("local-llm", 10))
	require.NoError(t, reg.Settings.Set("model_provider", "ollama"))
	d := NewDispatcher(Config{
		Registry: reg,
		LocalFallback: func(context.Context, runtime.ModelHandlerParams) (string, error) {
			return "direct ollama", nil
		},
	})
	text, err := d.Generate(context.Background(), ClassTextLarge, "hi")
	require.NoError(t, err)
	assert.Equal(t, "direct ollama", text)
}

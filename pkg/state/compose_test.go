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
package state

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/types"
)

func newTestRegistry(t *testing.T) *runtime.Registry {
	t.Helper()
	reg, err := runtime.NewRegistry(runtime.Config{AgentID: uuid.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func testMemory() *types.Memory {
	return &types.Memory{
		ID:      uuid.New(),
		RoomID:  uuid.New(),
		Content: types.MemoryContent{Text: "hello"},
	}
}

func staticProvider(name string, priority int, result runtime.ProviderResult) runtime.Provider {
	return runtime.Provider{
		Name:     name,
		Priority: priority,
		Get: func(context.Context, *types.Memory, *runtime.State) (runtime.ProviderResult, error) {
			return result, nil
		},
	}
}

func TestComposeMergesProviderOutputs(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name: "test",
		Providers: []runtime.Provider{
			staticProvider("recent_messages", 10, runtime.ProviderResult{
				Text:   "user: hi",
				Values: map[string]string{"MESSAGE_COUNT": "1"},
				Data:   map[string]any{"messages": []string{"hi"}},
			}),
			staticProvider("character", 20, runtime.ProviderResult{Text: "I am Zoey"}),
		},
	}))

	st := NewComposer(Config{Registry: reg}).Compose(context.Background(), testMemory(), Options{})

	require.Equal(t, "user: hi", st.Values["RECENT_MESSAGES"])
	require.Equal(t, "I am Zoey", st.Values["CHARACTER"])
	require.Equal(t, "1", st.Values["MESSAGE_COUNT"])
	require.Equal(t, []string{"hi"}, st.Data["messages"].([]string))
}

func TestComposeToleratesProviderFailure(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name: "test",
		Providers: []runtime.Provider{
			{
				Name: "broken",
				Get: func(context.Context, *types.Memory, *runtime.State) (runtime.ProviderResult, error) {
					return runtime.ProviderResult{}, errors.New("boom")
				},
			},
			staticProvider("character", 0, runtime.ProviderResult{Text: "still here"}),
		},
	}))

	st := NewComposer(Config{Registry: reg}).Compose(context.Background(), testMemory(), Options{})
	require.Equal(t, "still here", st.Values["CHARACTER"])
	require.NotContains(t, st.Values, "BROKEN")
}

func TestComposeFastModeSkipsHeavyProviders(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name: "test",
		Providers: []runtime.Provider{
			staticProvider("reply_planner", 0, runtime.ProviderResult{Text: "plan"}),
			staticProvider("memory_recall", 0, runtime.ProviderResult{Text: "recalled"}),
			staticProvider("session_cues", 0, runtime.ProviderResult{Text: "cues"}),
			staticProvider("character", 0, runtime.ProviderResult{Text: "sheet"}),
		},
	}))

	st := NewComposer(Config{Registry: reg}).Compose(context.Background(), testMemory(), Options{FastMode: true})
	require.NotContains(t, st.Values, "REPLY_PLANNER")
	require.NotContains(t, st.Values, "MEMORY_RECALL")
	require.NotContains(t, st.Values, "SESSION_CUES")
	require.Equal(t, "sheet", st.Values["CHARACTER"])
}

func TestComposeIncludeListFilters(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name: "test",
		Providers: []runtime.Provider{
			staticProvider("a", 0, runtime.ProviderResult{Text: "A"}),
			staticProvider("b", 0, runtime.ProviderResult{Text: "B"}),
		},
	}))

	st := NewComposer(Config{Registry: reg}).Compose(context.Background(), testMemory(), Options{Include: []string{"a"}})
	require.Equal(t, "A", st.Values["A"])
	require.NotContains(t, st.Values, "B")
}

func TestComposeInjectsAnnotations(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Settings.Set("ui:tone", "casual"))
	require.NoError(t, reg.Settings.Set("ui:intent", "Question"))
	require.NoError(t, reg.Settings.Set("context:last_thought", "they asked about storage"))

	st := NewComposer(Config{Registry: reg}).Compose(context.Background(), testMemory(), Options{})
	require.Equal(t, "casual", st.Values["UI_TONE"])
	require.Equal(t, "Question", st.Values["UI_INTENT"])
	require.Equal(t, "they asked about storage", st.Values["CONTEXT_LAST_THOUGHT"])
}

func TestComposeCapsDynamicEntries(t *testing.T) {
	reg := newTestRegistry(t)
	topics := strings.Repeat("topic,", 9) + "topic"
	require.NoError(t, reg.Settings.Set("ui:topics", topics))

	st := NewComposer(Config{Registry: reg, MaxDynamicEntries: 3}).
		Compose(context.Background(), testMemory(), Options{})
	require.Equal(t, "topic,topic,topic", st.Values["UI_TOPICS"])
}

func TestComposeCompactionFlag(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterPlugin(context.Background(), runtime.Plugin{
		Name: "test",
		Providers: []runtime.Provider{
			staticProvider("knowledge", 0, runtime.ProviderResult{Text: strings.Repeat("word ", 4000)}),
		},
	}))
	c := NewComposer(Config{Registry: reg})

	tight := c.Compose(context.Background(), testMemory(), Options{ContextWindow: 1024})
	require.Equal(t, "true", tight.Values["UI_COMPACT_CONTEXT"])

	roomy := c.Compose(context.Background(), testMemory(), Options{ContextWindow: 128000})
	require.Equal(t, "false", roomy.Values["UI_COMPACT_CONTEXT"])
}

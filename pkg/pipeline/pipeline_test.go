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
package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/state"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/tasks"
	"github.com/conversant/agentrt/pkg/types"
)

type fakeStore struct {
	storage.Store

	mu       sync.Mutex
	memories []*types.Memory
	costs    []*types.LLMCostRecord
}

func (s *fakeStore) CreateMemory(_ context.Context, m *types.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = append(s.memories, m)
	return nil
}

func (s *fakeStore) PersistLLMCost(_ context.Context, rec *types.LLMCostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, rec)
	return nil
}

func (s *fakeStore) partitionCount(partition string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.memories {
		if m.Partition == partition {
			n++
		}
	}
	return n
}

type fixture struct {
	registry *runtime.Registry
	store    *fakeStore
	worker   *tasks.MemoryWorker
	pipeline *Pipeline
}

func newFixture(t *testing.T, modelOutput string, plugin *runtime.Plugin) *fixture {
	t.Helper()
	reg, err := runtime.NewRegistry(runtime.Config{AgentID: types.AgentID("zoey")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	handlers := []runtime.ModelHandler{{
		Name:  "local-llm",
		Class: modeldispatch.ClassTextLarge,
		Handler: func(context.Context, runtime.ModelHandlerParams) (string, error) {
			return modelOutput, nil
		},
	}}
	p := runtime.Plugin{Name: "fixture", ModelHandlers: handlers}
	if plugin != nil {
		p.Actions = plugin.Actions
		p.Providers = plugin.Providers
		p.Evaluators = plugin.Evaluators
		p.EventHandlers = plugin.EventHandlers
	}
	require.NoError(t, reg.RegisterPlugin(context.Background(), p))

	store := &fakeStore{}
	worker := tasks.NewMemoryWorker(tasks.MemoryWorkerConfig{Store: store})
	worker.Start()
	t.Cleanup(worker.Stop)

	pl := New(Config{
		Registry:     reg,
		Store:        store,
		Dispatcher:   modeldispatch.NewDispatcher(modeldispatch.Config{Registry: reg}),
		Composer:     state.NewComposer(state.Config{Registry: reg}),
		MemoryWorker: worker,
		Character:    &types.Character{Name: "Zoey"},
	})
	return &fixture{registry: reg, store: store, worker: worker, pipeline: pl}
}

func userMessage(room *types.Room, text string) *types.Memory {
	return &types.Memory{
		ID:       uuid.New(),
		EntityID: uuid.New(),
		AgentID:  types.AgentID("zoey"),
		RoomID:   room.ID,
		Content:  types.MemoryContent{Text: text, Source: "test"},
		Metadata: map[string]any{},
	}
}

func dmRoom() *types.Room {
	return &types.Room{ID: uuid.New(), ChannelType: types.ChannelDM, Source: "test"}
}

func guildRoom() *types.Room {
	return &types.Room{ID: uuid.New(), ChannelType: types.ChannelGuildText, Source: "test"}
}

func TestShouldRespondPrivateRoomsAlwaysTrue(t *testing.T) {
	f := newFixture(t, "<text>ok</text>", nil)
	for _, ct := range []types.ChannelType{types.ChannelDM, types.ChannelVoiceDM, types.ChannelAPI} {
		room := &types.Room{ID: uuid.New(), ChannelType: ct}
		assert.True(t, f.pipeline.ShouldRespond(userMessage(room, "whatever"), room), string(ct))
	}
}

func TestShouldRespondGuildHeuristics(t *testing.T) {
	f := newFixture(t, "<text>ok</text>", nil)
	room := guildRoom()

	assert.False(t, f.pipeline.ShouldRespond(userMessage(room, "random chatter"), room))
	assert.True(t, f.pipeline.ShouldRespond(userMessage(room, "hey zoey, you there"), room))
	assert.True(t, f.pipeline.ShouldRespond(userMessage(room, "can you check the logs"), room))

	addressed := userMessage(room, "chatter")
	addressed.Metadata["addressed_to_me"] = true
	assert.True(t, f.pipeline.ShouldRespond(addressed, room))
}

func TestShouldRespondRecentlyAddressedTTL(t *testing.T) {
	f := newFixture(t, "<text>ok</text>", nil)
	room := guildRoom()

	f.pipeline.touchAddressed(room.ID)
	assert.True(t, f.pipeline.ShouldRespond(userMessage(room, "follow-up with no mention"), room))

	// An expired stamp no longer counts.
	stale := time.Now().Add(-2 * DefaultAddressedTTL).Unix()
	require.NoError(t, f.registry.Settings.Set(lastAddressedKey(room.ID), stale))
	assert.False(t, f.pipeline.ShouldRespond(userMessage(room, "follow-up with no mention"), room))
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t, "<response><thought>greet back</thought><actions>REPLY</actions><text>Hello there!</text></response>", nil)
	room := dmRoom()

	responses, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "Hello there!", responses[0].Content.Text)
	assert.True(t, responses[0].IsAgentUtterance())

	f.worker.Stop()
	// Input + response in messages, thought in thoughts.
	assert.Equal(t, 2, f.store.partitionCount(PartitionMessages))
	assert.Equal(t, 1, f.store.partitionCount(PartitionThoughts))
	require.Len(t, f.store.costs, 1)
	assert.True(t, f.store.costs[0].Success)

	thought, ok := f.registry.Settings.GetString("context:last_thought")
	require.True(t, ok)
	assert.Equal(t, "greet back", thought)
}

func TestProcessNotAddressedProducesNothing(t *testing.T) {
	f := newFixture(t, "<text>never called</text>", nil)
	room := guildRoom()

	responses, err := f.pipeline.Process(context.Background(), userMessage(room, "random chatter"), room)
	require.NoError(t, err)
	assert.Empty(t, responses)

	f.worker.Stop()
	// The input is still persisted.
	assert.Equal(t, 1, f.store.partitionCount(PartitionMessages))
}

func TestProcessEmptyReplyBecomesPlaceholder(t *testing.T) {
	f := newFixture(t, "<response><text></text></response>", nil)
	room := dmRoom()

	responses, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, EmptyResponseText, responses[0].Content.Text)
}

func TestProcessAppendsPeriodOnCutoff(t *testing.T) {
	cut := "<text>This answer is definitely long enough but it just stops abruptly mid sent</text>"
	f := newFixture(t, cut, nil)
	room := dmRoom()

	responses, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, byte('.'), responses[0].Content.Text[len(responses[0].Content.Text)-1])
}

func TestActionsRunInOrderWithGating(t *testing.T) {
	var order []string
	plugin := &runtime.Plugin{
		Actions: []runtime.Action{
			{
				Name: "REPLY",
				Handler: func(context.Context, *types.Memory, *runtime.State) (*runtime.ActionResult, error) {
					order = append(order, "REPLY")
					return nil, nil
				},
			},
			{
				Name: "SEARCH",
				Validate: func(context.Context, *types.Memory, *runtime.State) bool {
					return true
				},
				Handler: func(context.Context, *types.Memory, *runtime.State) (*runtime.ActionResult, error) {
					order = append(order, "SEARCH")
					return &runtime.ActionResult{Text: "search results"}, nil
				},
			},
			{
				Name: "BLOCKED",
				Validate: func(context.Context, *types.Memory, *runtime.State) bool {
					return false
				},
				Handler: func(context.Context, *types.Memory, *runtime.State) (*runtime.ActionResult, error) {
					order = append(order, "BLOCKED")
					return nil, nil
				},
			},
		},
	}
	f := newFixture(t, "<response><actions>SEARCH,BLOCKED,UNKNOWN</actions><text>done</text></response>", plugin)
	room := dmRoom()

	responses, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	assert.Equal(t, []string{"REPLY", "SEARCH"}, order)
	// SEARCH contributed an extra response memory.
	require.Len(t, responses, 2)
	assert.Equal(t, "search results", responses[1].Content.Text)
}

func TestFastModeSkipsAllEvaluators(t *testing.T) {
	var ran []string
	plugin := &runtime.Plugin{
		Evaluators: []runtime.Evaluator{
			{
				Name:      "heavy",
				AlwaysRun: false,
				Validate:  func(context.Context, *types.Memory, *runtime.State) bool { return true },
				Handler: func(context.Context, *types.Memory, *runtime.State, bool, []*types.Memory) error {
					ran = append(ran, "heavy")
					return nil
				},
			},
			{
				Name:      "audit",
				AlwaysRun: true,
				Handler: func(context.Context, *types.Memory, *runtime.State, bool, []*types.Memory) error {
					ran = append(ran, "audit")
					return nil
				},
			},
		},
	}
	f := newFixture(t, "<text>ok then</text>", plugin)
	require.NoError(t, f.registry.Settings.Set("ui:fast_mode", true))
	room := dmRoom()

	// Fast mode skips the evaluator stage wholesale; AlwaysRun does
	// not punch through it.
	_, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestAlwaysRunBypassesValidateOnly(t *testing.T) {
	var ran []string
	plugin := &runtime.Plugin{
		Evaluators: []runtime.Evaluator{
			{
				Name:      "vetoed",
				AlwaysRun: false,
				Validate:  func(context.Context, *types.Memory, *runtime.State) bool { return false },
				Handler: func(context.Context, *types.Memory, *runtime.State, bool, []*types.Memory) error {
					ran = append(ran, "vetoed")
					return nil
				},
			},
			{
				Name:      "audit",
				AlwaysRun: true,
				Validate:  func(context.Context, *types.Memory, *runtime.State) bool { return false },
				Handler: func(context.Context, *types.Memory, *runtime.State, bool, []*types.Memory) error {
					ran = append(ran, "audit")
					return nil
				},
			},
		},
	}
	f := newFixture(t, "<text>ok then</text>", plugin)
	room := dmRoom()

	_, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, ran)
}

func TestEvaluatorFailureDoesNotBlockResponse(t *testing.T) {
	plugin := &runtime.Plugin{
		Evaluators: []runtime.Evaluator{{
			Name:      "broken",
			AlwaysRun: true,
			Handler: func(context.Context, *types.Memory, *runtime.State, bool, []*types.Memory) error {
				return errors.New("evaluator exploded")
			},
		}},
	}
	f := newFixture(t, "<text>still replied</text>", plugin)
	room := dmRoom()

	responses, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "still replied", responses[0].Content.Text)
}

func TestMessageSentEventEmitted(t *testing.T) {
	got := make(chan map[string]any, 1)
	plugin := &runtime.Plugin{
		EventHandlers: map[string][]runtime.EventHandler{
			"MESSAGE_SENT": {func(_ context.Context, payload map[string]any) {
				got <- payload
			}},
		},
	}
	f := newFixture(t, "<text>hello</text>", plugin)
	room := dmRoom()

	_, err := f.pipeline.Process(context.Background(), userMessage(room, "Hi"), room)
	require.NoError(t, err)
	select {
	case payload := <-got:
		assert.Equal(t, room.ID.String(), payload["room_id"])
	default:
		t.Fatal("MESSAGE_SENT not emitted")
	}
}

func TestReassessCoalescesFragments(t *testing.T) {
	f := newFixture(t, "<text>merged reply</text>", nil)
	f.pipeline.reassessOn = true
	room := dmRoom()

	frag := userMessage(room, "so I was thinking")
	frag.Metadata["incomplete"] = true
	responses, err := f.pipeline.Process(context.Background(), frag, room)
	require.NoError(t, err)
	assert.Empty(t, responses, "incomplete fragment defers the cycle")

	full := userMessage(room, "maybe we ship friday")
	responses, err = f.pipeline.Process(context.Background(), full, room)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "so I was thinking maybe we ship friday", full.Content.Text)
}

func TestPreprocessWritesAnnotations(t *testing.T) {
	f := newFixture(t, "<text>ok</text>", nil)
	f.pipeline.preprocessOn = true
	room := dmRoom()

	_, err := f.pipeline.Process(context.Background(), userMessage(room, "What is the deployment schedule?"), room)
	require.NoError(t, err)

	intent, ok := f.registry.Settings.GetString("ui:intent")
	require.True(t, ok)
	assert.Equal(t, IntentQuestion, intent)

	var avgLen float64
	ok, err = f.registry.Settings.Get(rhythmKey(room.ID, "avg_len"), &avgLen)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, avgLen, 0.0)
}

func TestAnalyzeClasses(t *testing.T) {
	assert.Equal(t, IntentGreeting, Analyze("hey there").Intent)
	assert.Equal(t, IntentQuestion, Analyze("what time is it").Intent)
	assert.Equal(t, IntentRequest, Analyze("please restart the worker").Intent)
	assert.Equal(t, IntentStatement, Analyze("deployed the fix").Intent)
	assert.Equal(t, "positive", Analyze("thanks, this is great").Sentiment)
	assert.Equal(t, "negative", Analyze("this is broken and awful").Sentiment)
}

func TestVoiceGating(t *testing.T) {
	voice := &types.Room{ID: uuid.New(), ChannelType: types.ChannelGuildVoice}
	text := &types.Room{ID: uuid.New(), ChannelType: types.ChannelGuildText}

	assert.True(t, ShouldOpenVoiceSession(voice, "hey zoey wake up", "hey zoey"))
	assert.False(t, ShouldOpenVoiceSession(voice, "unrelated", "hey zoey"))
	assert.False(t, ShouldOpenVoiceSession(text, "hey zoey wake up", "hey zoey"))

	now := time.Now()
	assert.True(t, VoiceUtteranceAllowed(true, now.Add(-time.Hour), now))
	assert.True(t, VoiceUtteranceAllowed(false, now.Add(-30*time.Second), now))
	assert.False(t, VoiceUtteranceAllowed(false, now.Add(-time.Minute), now))

	// Deterministic voice identifiers are stable.
	assert.Equal(t, VoiceRoomID("g1", "c1"), VoiceRoomID("g1", "c1"))
	assert.NotEqual(t, VoiceRoomID("g1", "c1"), VoiceRoomID("g1", "c2"))
}

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
package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rt "github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

type fakeStore struct {
	storage.Store
	memories []*types.Memory
	vector   bool
}

func (s *fakeStore) QueryMemories(_ context.Context, q storage.MemoryQuery) ([]*types.Memory, error) {
	var out []*types.Memory
	for _, m := range s.memories {
		if m.Partition == q.Partition {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) SupportsVectorSearch() bool { return s.vector }

func TestPluginShape(t *testing.T) {
	p := Plugin(Config{
		Store:     &fakeStore{},
		Character: &types.Character{Name: "Zoey"},
	})
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "REPLY", p.Actions[0].Name)
	assert.Len(t, p.Providers, 3)
	assert.Contains(t, p.Schema, "conversation_stats")
}

func TestRecentMessagesProviderOrdersByCreatedAt(t *testing.T) {
	agentID := types.AgentID("zoey")
	roomID := uuid.New()
	now := time.Now()
	store := &fakeStore{memories: []*types.Memory{
		{
			EntityID: agentID, AgentID: agentID, RoomID: roomID,
			Partition: "messages",
			Content:   types.MemoryContent{Text: "second"},
			CreatedAt: now,
		},
		{
			EntityID: uuid.New(), AgentID: agentID, RoomID: roomID,
			Partition: "messages",
			Content:   types.MemoryContent{Text: "first"},
			CreatedAt: now.Add(-time.Minute),
		},
	}}

	p := Plugin(Config{Store: store, Character: &types.Character{Name: "Zoey"}})
	var recent rt.Provider
	for _, pr := range p.Providers {
		if pr.Name == "recent_messages" {
			recent = pr
		}
	}
	require.NotNil(t, recent.Get)

	msg := &types.Memory{AgentID: agentID, RoomID: roomID}
	result, err := recent.Get(context.Background(), msg, rt.NewState())
	require.NoError(t, err)
	assert.Equal(t, "user: first\nZoey: second", result.Text)
	assert.Equal(t, "2", result.Values["MESSAGE_COUNT"])
}

func TestKnowledgeRecallFallsBackWithoutVectors(t *testing.T) {
	store := &fakeStore{memories: []*types.Memory{
		{Partition: "knowledge", Content: types.MemoryContent{Text: "the sky is blue"}},
	}}
	p := Plugin(Config{Store: store, Character: &types.Character{Name: "Zoey"}})
	var recall rt.Provider
	for _, pr := range p.Providers {
		if pr.Name == "knowledge_recall" {
			recall = pr
		}
	}
	result, err := recall.Get(context.Background(), &types.Memory{RoomID: uuid.New()}, rt.NewState())
	require.NoError(t, err)
	assert.Contains(t, result.Text, "the sky is blue")
}

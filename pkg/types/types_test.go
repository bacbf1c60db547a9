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
package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDeterministicIDsAreStable(t *testing.T) {
	assert.Equal(t, AgentID("zoey"), AgentID("zoey"))
	assert.NotEqual(t, AgentID("zoey"), AgentID("nova"))

	a := RoomID("discord", "guild1", "chan1")
	b := RoomID("discord", "guild1", "chan1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, RoomID("discord", "guild1", "chan2"))
	assert.NotEqual(t, a, RoomID("web", "guild1", "chan1"))

	// Derived IDs are valid, non-nil UUIDs.
	assert.NotEqual(t, uuid.Nil, a)
}

func TestChannelPrivacy(t *testing.T) {
	for _, private := range []ChannelType{ChannelDM, ChannelVoiceDM, ChannelAPI} {
		assert.True(t, private.IsPrivate(), string(private))
	}
	for _, public := range []ChannelType{ChannelGroupDM, ChannelGuildText, ChannelThread, ChannelFeed, ChannelWorld, ChannelUnknown} {
		assert.False(t, public.IsPrivate(), string(public))
	}
}

func TestAgentUtteranceDetection(t *testing.T) {
	agent := AgentID("zoey")
	assert.True(t, Memory{EntityID: agent, AgentID: agent}.IsAgentUtterance())
	assert.False(t, Memory{EntityID: uuid.New(), AgentID: agent}.IsAgentUtterance())
}

func TestSafeInt32Clamps(t *testing.T) {
	assert.Equal(t, int32(42), SafeInt32(42))
	assert.Equal(t, int32(2147483647), SafeInt32(1<<40))
	assert.Equal(t, int32(-2147483648), SafeInt32(-(1 << 40)))
}

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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conversant/agentrt/pkg/types"
)

// DefaultAddressedTTL keeps a room "recently addressed" after the agent
// answers in it. The per-room ui:lastAddressed setting stores only the
// time of that answer; this TTL (or Config.AddressedTTL) is the window
// it is measured against.
const DefaultAddressedTTL = 600 * time.Second

// VoiceActiveTTL gates voice utterances after the last exchange.
const VoiceActiveTTL = 45 * time.Second

// directiveHints mark a message as directed at the agent even without
// a name mention.
var directiveHints = []string{"please", "can you", "help me", "what is", "how do"}

func lastAddressedKey(roomID uuid.UUID) string {
	return fmt.Sprintf("ui:lastAddressed:%s", roomID)
}

// ShouldRespond applies the decide-to-respond rule: private rooms are
// always addressed; otherwise the message must be flagged
// addressed_to_me, mention the agent by name, read like a directive,
// or land inside the room's recently-addressed window.
func (p *Pipeline) ShouldRespond(msg *types.Memory, room *types.Room) bool {
	if room.ChannelType.IsPrivate() {
		return true
	}
	if addressed, ok := msg.Metadata["addressed_to_me"].(bool); ok && addressed {
		return true
	}
	text := strings.ToLower(msg.Content.Text)
	if p.agentName != "" && strings.Contains(text, strings.ToLower(p.agentName)) {
		return true
	}
	for _, hint := range directiveHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return p.recentlyAddressed(room.ID)
}

// recentlyAddressed reports whether the room's last-addressed
// timestamp is still inside the TTL window.
func (p *Pipeline) recentlyAddressed(roomID uuid.UUID) bool {
	var stamp int64
	ok, err := p.registry.Settings.Get(lastAddressedKey(roomID), &stamp)
	if err != nil || !ok {
		return false
	}
	return time.Since(time.Unix(stamp, 0)) <= p.addressedTTL
}

// touchAddressed refreshes the room's last-addressed timestamp after
// the agent responds.
func (p *Pipeline) touchAddressed(roomID uuid.UUID) {
	_ = p.registry.Settings.Set(lastAddressedKey(roomID), time.Now().Unix())
}

// ShouldOpenVoiceSession reports whether an utterance in a guild voice
// room should open a voice session: the room must be GUILD_VOICE and
// the text must contain the configured trigger phrase.
func ShouldOpenVoiceSession(room *types.Room, text, triggerPhrase string) bool {
	if room.ChannelType != types.ChannelGuildVoice || triggerPhrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(triggerPhrase))
}

// VoiceUtteranceAllowed gates one voice-captured utterance: a direct
// mention always passes, otherwise the conversation must still be
// active within the voice TTL.
func VoiceUtteranceAllowed(mentioned bool, lastActive, now time.Time) bool {
	if mentioned {
		return true
	}
	return now.Sub(lastActive) <= VoiceActiveTTL
}

// VoiceRoomID derives the deterministic room ID voice transcriptions
// enter the core under.
func VoiceRoomID(guildID, channelID string) uuid.UUID {
	return types.DeterministicID(fmt.Sprintf("discord-room-%s-%s", guildID, channelID))
}

// VoiceEntityID derives the deterministic entity ID for one voice
// user.
func VoiceEntityID(userID string) uuid.UUID {
	return types.DeterministicID(fmt.Sprintf("discord-voice-user-%s", userID))
}

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

// DefaultReassessWindow bounds how long a pending fragment waits for
// its continuation before the turn is treated as complete.
const DefaultReassessWindow = 4 * time.Second

type pendingFragment struct {
	Text string `json:"text"`
	At   int64  `json:"at"`
}

func pendingKey(roomID uuid.UUID) string {
	return fmt.Sprintf("reassess:%s:pending", roomID)
}

// reassess implements single-speaker turn coalescing. A message
// flagged incomplete is parked (merged into any fragment already
// pending in the window) and the cycle is deferred; a complete message
// absorbs whatever fragment is still pending. The returned defer flag
// tells the pipeline to emit nothing this cycle.
func (p *Pipeline) reassess(msg *types.Memory, room *types.Room) (deferCycle bool) {
	settings := p.registry.Settings
	key := pendingKey(room.ID)

	var pending pendingFragment
	havePending, err := settings.Get(key, &pending)
	if err != nil {
		havePending = false
	}
	if havePending && time.Since(time.Unix(pending.At, 0)) > p.reassessWindow {
		// The window expired; the stale fragment is dropped rather
		// than glued onto an unrelated turn.
		settings.Delete(key)
		havePending = false
	}

	if havePending {
		msg.Content.Text = strings.TrimSpace(pending.Text + " " + msg.Content.Text)
		settings.Delete(key)
	}

	incomplete, _ := msg.Metadata["incomplete"].(bool)
	if !incomplete {
		return false
	}
	_ = settings.Set(key, pendingFragment{Text: msg.Content.Text, At: time.Now().Unix()})
	return true
}

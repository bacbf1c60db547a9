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
package training

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/types"
)

func newCollector(t *testing.T, rlhf bool) *Collector {
	t.Helper()
	c, err := NewCollector(Config{OutputDir: t.TempDir(), RLHF: rlhf})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRecordInteractionDefaultsQuality(t *testing.T) {
	c := newCollector(t, false)
	id, err := c.RecordInteraction(context.Background(), "hi", "hello", "", 0)
	require.NoError(t, err)

	s, err := c.Sample(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, DefaultQuality, s.QualityScore)
	assert.Equal(t, "hi", s.Prompt)
	assert.Equal(t, "hello", s.Response)
}

func TestRecordConversationTurnSnapshotsState(t *testing.T) {
	c := newCollector(t, false)
	st := runtime.NewState()
	st.Values["CHARACTER"] = "sheet"

	msg := &types.Memory{Content: types.MemoryContent{Text: "what is a room?"}}
	resp := &types.Memory{Content: types.MemoryContent{Text: "a conversation scope"}}
	id, err := c.RecordConversationTurn(context.Background(), msg, resp, "they want a definition", st)
	require.NoError(t, err)

	s, err := c.Sample(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "they want a definition", s.Thought)
	assert.Equal(t, "sheet", s.StateSnapshot["CHARACTER"])
}

func TestAddReviewRLHFRemap(t *testing.T) {
	c := newCollector(t, true)
	id, err := c.RecordInteraction(context.Background(), "p", "r", "", 0.5)
	require.NoError(t, err)

	require.NoError(t, c.AddReview(context.Background(), id, 0.75, "good"))
	s, err := c.Sample(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.QualityScore, 1e-9) // 0.75*2-1

	var fb map[string]any
	require.NoError(t, json.Unmarshal([]byte(s.Feedback), &fb))
	assert.Equal(t, "good", fb["note"])
}

func TestAddFeedbackUnknownSample(t *testing.T) {
	c := newCollector(t, false)
	err := c.AddFeedback(context.Background(), uuid.New(), 1, "nope")
	require.Error(t, err)
}

func TestFlushWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCollector(Config{OutputDir: dir})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.RecordInteraction(context.Background(), "p1", "r1", "", 0.9)
	require.NoError(t, err)
	_, err = c.RecordInteraction(context.Background(), "p2", "r2", "t2", 0.8)
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))

	f, err := os.Open(filepath.Join(dir, exportFile))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.Contains(t, rec, "prompt")
		lines++
	}
	assert.Equal(t, 2, lines)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRenderRoundTrip(t *testing.T) {
	cases := []struct {
		thought string
		actions []string
		text    string
	}{
		{"user wants help", []string{"REPLY"}, "Happy to help!"},
		{"", nil, "Just text."},
		{"multi word thought", []string{"REPLY", "SEARCH"}, "Two actions here."},
		{"", []string{"REPLY"}, "Actions but no thought"},
	}
	for _, tc := range cases {
		got := ParseReply(RenderReply(tc.thought, tc.actions, tc.text))
		assert.Equal(t, tc.thought, got.Thought)
		assert.Equal(t, tc.actions, got.Actions)
		assert.Equal(t, tc.text, got.Text)
	}
}

func TestParseReplyToleratesVariants(t *testing.T) {
	t.Run("reordered tags", func(t *testing.T) {
		r := ParseReply("<response><text>hi</text><thought>afterthought</thought></response>")
		assert.Equal(t, "hi", r.Text)
		assert.Equal(t, "afterthought", r.Thought)
	})

	t.Run("code fence", func(t *testing.T) {
		r := ParseReply("```xml\n<response><text>fenced</text></response>\n```")
		assert.Equal(t, "fenced", r.Text)
	})

	t.Run("whitespace variance", func(t *testing.T) {
		r := ParseReply("  <text>\n  padded  \n</text>  ")
		assert.Equal(t, "padded", r.Text)
	})

	t.Run("partial streamed envelope", func(t *testing.T) {
		r := ParseReply("<response><thought>thinking</thought><text>unterminat")
		assert.Equal(t, "thinking", r.Thought)
		assert.Equal(t, "unterminat", r.Text)
	})

	t.Run("only text tag", func(t *testing.T) {
		r := ParseReply("<text>alone</text>")
		assert.Equal(t, "alone", r.Text)
		assert.Empty(t, r.Thought)
		assert.Empty(t, r.Actions)
	})

	t.Run("nothing recognisable strips tags", func(t *testing.T) {
		r := ParseReply("<html><b>bold residue</b></html>")
		assert.Equal(t, "bold residue", r.Text)
	})

	t.Run("plain prose", func(t *testing.T) {
		r := ParseReply("No markup at all.")
		assert.Equal(t, "No markup at all.", r.Text)
	})

	t.Run("empty actions entries dropped", func(t *testing.T) {
		r := ParseReply("<actions>REPLY, ,SEARCH,</actions><text>x</text>")
		assert.Equal(t, []string{"REPLY", "SEARCH"}, r.Actions)
	})
}

func TestStripArtifacts(t *testing.T) {
	got := StripArtifacts("Sure, here's my response: <b>Hello</b> (REPLY)", []string{"REPLY"})
	assert.Equal(t, "Hello", got)

	got = StripArtifacts("Plain answer.", nil)
	assert.Equal(t, "Plain answer.", got)
}

func TestEndsMidSentence(t *testing.T) {
	require.True(t, EndsMidSentence("This reply is long enough and stops without punctu", 20))
	require.False(t, EndsMidSentence("Complete sentence here.", 20))
	require.False(t, EndsMidSentence("short", 20))
	require.False(t, EndsMidSentence("A question, perhaps?", 10))
}

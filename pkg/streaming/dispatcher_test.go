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
package streaming

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversant/agentrt/pkg/llm"
)

// scriptProvider emits a fixed chunk sequence, optionally with a delay
// between chunks to exercise the watchdog.
type scriptProvider struct {
	name      string
	streaming bool
	chunks    []llm.StreamChunk
	full      string
	delay     time.Duration
	hang      bool // never send anything after opening
}

func (p *scriptProvider) Name() string            { return p.name }
func (p *scriptProvider) Local() bool             { return false }
func (p *scriptProvider) SupportsStreaming() bool { return p.streaming }

func (p *scriptProvider) Complete(context.Context, llm.CompletionRequest) (string, llm.Usage, error) {
	return p.full, llm.Usage{PromptTokens: 2, CompletionTokens: 5}, nil
}

func (p *scriptProvider) Stream(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		if p.hang {
			<-ctx.Done()
			return
		}
		for _, c := range p.chunks {
			if p.delay > 0 {
				time.Sleep(p.delay)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// recordingHandler captures events for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	chunks   []string
	finals   []string
	meta     []map[string]any
	errors   []string
	finished chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{finished: make(chan struct{}, 2)}
}

func (h *recordingHandler) Chunk(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, text)
	return nil
}

func (h *recordingHandler) Complete(text string, meta map[string]any) error {
	h.mu.Lock()
	h.finals = append(h.finals, text)
	h.meta = append(h.meta, meta)
	h.mu.Unlock()
	h.finished <- struct{}{}
	return nil
}

func (h *recordingHandler) Error(msg string) error {
	h.mu.Lock()
	h.errors = append(h.errors, msg)
	h.mu.Unlock()
	h.finished <- struct{}{}
	return nil
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never finished")
	}
}

func startDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestStreamOrderingAndSingleFinal(t *testing.T) {
	d := startDispatcher(t, Config{})
	p := &scriptProvider{
		name: "openai", streaming: true,
		chunks: []llm.StreamChunk{
			{Text: "Hel"}, {Text: "lo "}, {Text: "there"}, {Final: true},
		},
	}
	h := newRecordingHandler()
	require.NoError(t, d.Dispatch(context.Background(), Request{Provider: p}, h))
	h.wait(t)

	assert.Equal(t, []string{"Hel", "lo ", "there"}, h.chunks)
	require.Len(t, h.finals, 1)
	assert.Equal(t, "Hello there", h.finals[0])
	assert.Empty(t, h.errors)
}

func TestDispatchAtCapacityEmitsSingleError(t *testing.T) {
	d := startDispatcher(t, Config{MaxStreams: 1})
	block := &scriptProvider{name: "slow", streaming: true, hang: true}

	first := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Dispatch(ctx, Request{Provider: block}, first))

	second := newRecordingHandler()
	err := d.Dispatch(context.Background(), Request{Provider: block}, second)
	require.Error(t, err)
	require.Len(t, second.errors, 1)
	assert.Contains(t, second.errors[0], "capacity")
	assert.Empty(t, second.finals)
	cancel()
}

func TestFallbackChunker(t *testing.T) {
	d := startDispatcher(t, Config{})
	full := strings.Repeat("0123456789", 25) // 250 bytes
	p := &scriptProvider{name: "plain", streaming: false, full: full}
	h := newRecordingHandler()
	require.NoError(t, d.Dispatch(context.Background(), Request{Provider: p}, h))
	h.wait(t)

	require.Len(t, h.finals, 1)
	assert.Equal(t, full, h.finals[0])
	assert.Equal(t, full, strings.Join(h.chunks, ""))
	for _, c := range h.chunks {
		assert.LessOrEqual(t, len(c), FallbackChunkBytes)
	}
}

func TestWatchdogFinalisesIdleStream(t *testing.T) {
	d := startDispatcher(t, Config{IdleWindow: 50 * time.Millisecond})
	// One chunk, then silence with no final marker.
	p := &scriptProvider{
		name: "stall", streaming: true,
		chunks: []llm.StreamChunk{{Text: "partial"}},
	}
	// Keep the channel open after the chunk by hanging in a wrapper.
	h := newRecordingHandler()
	require.NoError(t, d.Dispatch(context.Background(), Request{Provider: &hangAfter{p}}, h))
	h.wait(t)

	require.Len(t, h.finals, 1)
	assert.Equal(t, "partial", h.finals[0])
}

// hangAfter forwards the wrapped provider's chunks, then keeps the
// stream open until cancellation.
type hangAfter struct{ inner *scriptProvider }

func (p *hangAfter) Name() string            { return p.inner.name }
func (p *hangAfter) Local() bool             { return false }
func (p *hangAfter) SupportsStreaming() bool { return true }
func (p *hangAfter) Complete(ctx context.Context, r llm.CompletionRequest) (string, llm.Usage, error) {
	return p.inner.Complete(ctx, r)
}

func (p *hangAfter) Stream(ctx context.Context, r llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range p.inner.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func TestNoFirstChunkTimesOutWithError(t *testing.T) {
	d := startDispatcher(t, Config{FirstChunkTimeout: 50 * time.Millisecond})
	p := &scriptProvider{name: "dead", streaming: true, hang: true}
	h := newRecordingHandler()
	require.NoError(t, d.Dispatch(context.Background(), Request{Provider: p}, h))
	h.wait(t)

	require.Len(t, h.errors, 1)
	assert.Empty(t, h.finals)
}

func TestOnCompleteMetaFlowsToFinalEvent(t *testing.T) {
	d := startDispatcher(t, Config{})
	p := &scriptProvider{
		name: "openai", streaming: true,
		chunks: []llm.StreamChunk{{Text: "hi"}, {Final: true, Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 1}}},
	}
	h := newRecordingHandler()
	req := Request{
		Provider: p,
		OnComplete: func(full string, usage llm.Usage, ttft *time.Duration) map[string]any {
			assert.Equal(t, "hi", full)
			assert.Equal(t, 3, usage.PromptTokens)
			return map[string]any{"sampleId": "abc"}
		},
	}
	require.NoError(t, d.Dispatch(context.Background(), req, h))
	h.wait(t)

	require.Len(t, h.meta, 1)
	assert.Equal(t, "abc", h.meta[0]["sampleId"])
}

func TestChunkTextRuneSafety(t *testing.T) {
	s := strings.Repeat("héllo wörld ", 20)
	var joined strings.Builder
	for _, c := range ChunkText(s, FallbackChunkBytes) {
		assert.LessOrEqual(t, len(c), FallbackChunkBytes)
		joined.WriteString(c)
	}
	assert.Equal(t, s, joined.String())
	assert.Nil(t, ChunkText("", 80))
}

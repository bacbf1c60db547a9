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

// Package streaming produces SSE chunk streams for chat responses:
// a process-wide semaphore caps in-flight streams, a dedicated
// executor drains a bounded job queue, per-provider adapters turn
// model output into ordered chunk/complete/error events, and a
// watchdog finalises stalled streams.
package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Handler receives one stream's events in production order. Exactly
// one of Complete or Error terminates the stream, and it is the last
// call.
type Handler interface {
	Chunk(text string) error
	Complete(text string, meta map[string]any) error
	Error(msg string) error
}

// SSEWriter frames stream events as Server-Sent Events on an HTTP
// response, flushing after every event so chunks reach the client as
// they are produced.
type SSEWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewSSEWriter prepares w for an SSE response. It fails when the
// underlying writer cannot flush, since buffered SSE defeats the
// point.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEWriter{w: w, f: f}, nil
}

type chunkPayload struct {
	Text  string         `json:"text"`
	Final bool           `json:"final"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (s *SSEWriter) emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Chunk emits one intermediate chunk event.
func (s *SSEWriter) Chunk(text string) error {
	return s.emit("chunk", chunkPayload{Text: text})
}

// Complete emits the terminal complete event. Meta is optional;
// consumers must treat it as such.
func (s *SSEWriter) Complete(text string, meta map[string]any) error {
	return s.emit("complete", chunkPayload{Text: text, Final: true, Meta: meta})
}

// Error emits the single error event that terminates a failed stream.
func (s *SSEWriter) Error(msg string) error {
	return s.emit("error", errorPayload{Error: msg})
}

var _ Handler = (*SSEWriter)(nil)

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
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JSONLinesConfig configures the production tracer.
type JSONLinesConfig struct {
	// Path to append newline-delimited span/metric/event records to.
	// If empty, records are written to stderr.
	Path string

	Logger *zap.Logger
}

// jsonLinesTracer writes one JSON object per line for every completed
// span, metric, and event. It has no external dependency and no
// network call on the hot path; the sink must never block the
// pipeline.
type jsonLinesTracer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *zap.Logger
}

type record struct {
	Kind      string                 `json:"kind"` // "span", "metric", "event"
	Timestamp time.Time              `json:"ts"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	ParentID  string                 `json:"parent_id,omitempty"`
	Name      string                 `json:"name"`
	Duration  float64                `json:"duration_ms,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Value     float64                `json:"value,omitempty"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// NewJSONLinesTracer creates a tracer that appends to a local file (or
// stderr, if config.Path is empty). It is the runtime's default
// production tracer: no service dependency, durable via the
// filesystem, safe to tail with standard tools.
func NewJSONLinesTracer(config JSONLinesConfig) (Tracer, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var w io.Writer
	var closer io.Closer
	if config.Path == "" {
		w = os.Stderr
	} else {
		f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		w = f
		closer = f
	}

	return &jsonLinesTracer{w: w, closer: closer, logger: logger}, nil
}

func (t *jsonLinesTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(span)
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return ContextWithSpan(ctx, span), span
}

func (t *jsonLinesTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	t.write(record{
		Kind:      "span",
		Timestamp: span.EndTime,
		TraceID:   span.TraceID,
		SpanID:    span.SpanID,
		ParentID:  span.ParentID,
		Name:      span.Name,
		Duration:  float64(span.Duration) / float64(time.Millisecond),
		Status:    span.Status.Code.String(),
		Attrs:     span.Attributes,
	})
}

func (t *jsonLinesTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.write(record{
		Kind:      "metric",
		Timestamp: time.Now(),
		Name:      name,
		Value:     value,
		Labels:    labels,
	})
}

func (t *jsonLinesTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	rec := record{
		Kind:      "event",
		Timestamp: time.Now(),
		Name:      name,
		Attrs:     attributes,
	}
	if span := SpanFromContext(ctx); span != nil {
		rec.TraceID = span.TraceID
		rec.SpanID = span.SpanID
	}
	t.write(rec)
}

func (t *jsonLinesTracer) Flush(ctx context.Context) error {
	if f, ok := t.w.(*os.File); ok {
		return f.Sync()
	}
	return nil
}

func (t *jsonLinesTracer) write(rec record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := json.Marshal(rec)
	if err != nil {
		t.logger.Warn("observability: failed to marshal record", zap.Error(err))
		return
	}
	b = append(b, '\n')
	if _, err := t.w.Write(b); err != nil {
		t.logger.Warn("observability: failed to write record", zap.Error(err))
	}
}

var _ Tracer = (*jsonLinesTracer)(nil)

// NewTracer builds the Tracer the running agent should use: a no-op
// tracer when mode is "", "none" or "noop"; a JSON-lines tracer for
// "production" or "jsonlines", writing to path (or stderr if path is
// empty); an error for any other mode.
func NewTracer(mode, path string, logger *zap.Logger) (Tracer, error) {
	switch mode {
	case "", "none", "noop":
		return NewNoOpTracer(), nil
	case "production", "jsonlines":
		return NewJSONLinesTracer(JSONLinesConfig{Path: path, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown tracer mode: %s (supported: none, production)", mode)
	}
}

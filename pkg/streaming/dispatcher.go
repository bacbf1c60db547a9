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
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/llm"
	"github.com/conversant/agentrt/pkg/observability"
)

const (
	// DefaultMaxStreams caps concurrent in-flight streams.
	DefaultMaxStreams = 64

	// DefaultQueueDepth bounds the executor job queue.
	DefaultQueueDepth = 256

	// DefaultIdleWindow finalises a stream when no chunk arrives for
	// this long after the first one.
	DefaultIdleWindow = 2 * time.Second

	// DefaultFirstChunkTimeout bounds the wait for the first chunk.
	DefaultFirstChunkTimeout = 20 * time.Second

	// DefaultOverallTimeout bounds a stream end to end.
	DefaultOverallTimeout = 45 * time.Second

	// FallbackChunkBytes is the chunk size used when a provider
	// cannot stream and the full completion is re-chunked locally.
	FallbackChunkBytes = 80
)

// Request describes one stream: the provider to drive, the completion
// parameters, and an optional completion hook whose return value
// becomes the final event's meta.
type Request struct {
	Provider   llm.Provider
	Completion llm.CompletionRequest

	// OnComplete runs after the full text is assembled, before the
	// complete event is emitted. It owns the completion side-effects
	// (persist response memory, cost record, training sample) and may
	// return meta for the final chunk, e.g. the sample ID.
	OnComplete func(fullText string, usage llm.Usage, ttft *time.Duration) map[string]any
}

// Config configures a Dispatcher.
type Config struct {
	Logger *zap.Logger
	Tracer observability.Tracer

	MaxStreams        int
	QueueDepth        int
	IdleWindow        time.Duration
	FirstChunkTimeout time.Duration
	OverallTimeout    time.Duration
}

type job struct {
	ctx     context.Context
	request Request
	handler Handler
}

// Dispatcher owns the stream semaphore and the executor feeding
// streams off the transport goroutines.
type Dispatcher struct {
	logger *zap.Logger
	tracer observability.Tracer

	sem  chan struct{}
	jobs chan job

	idleWindow        time.Duration
	firstChunkTimeout time.Duration
	overallTimeout    time.Duration

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher builds a stopped Dispatcher; call Start before
// dispatching.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = DefaultFirstChunkTimeout
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = DefaultOverallTimeout
	}
	return &Dispatcher{
		logger:            cfg.Logger,
		tracer:            cfg.Tracer,
		sem:               make(chan struct{}, cfg.MaxStreams),
		jobs:              make(chan job, cfg.QueueDepth),
		idleWindow:        cfg.IdleWindow,
		firstChunkTimeout: cfg.FirstChunkTimeout,
		overallTimeout:    cfg.OverallTimeout,
		done:              make(chan struct{}),
	}
}

// Start launches the executor on a dedicated OS thread, insulating
// stream transcoding and SSE framing from the transport goroutines.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		for {
			select {
			case j := <-d.jobs:
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					defer d.release()
					d.run(j)
				}()
			case <-d.done:
				return
			}
		}
	}()
}

// Stop shuts the executor down. In-flight streams run to completion.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) release() {
	<-d.sem
	observability.StreamsInFlight.Dec()
}

// Dispatch admits one stream. Acquisition is non-blocking: at capacity
// it emits a single error event, closes the stream, and returns a
// rate-limited error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, h Handler) error {
	select {
	case d.sem <- struct{}{}:
	default:
		observability.StreamsRejected.Inc()
		_ = h.Error("stream capacity reached, try again shortly")
		return apperr.RateLimited("at stream capacity")
	}
	observability.StreamsInFlight.Inc()

	select {
	case d.jobs <- job{ctx: ctx, request: req, handler: h}:
		return nil
	default:
		d.release()
		_ = h.Error("stream queue full, try again shortly")
		return apperr.RateLimited("stream queue full")
	}
}

// run drives one stream to its terminal event.
func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, d.overallTimeout)
	defer cancel()

	ctx, span := d.tracer.StartSpan(ctx, observability.SpanModelStream,
		observability.WithAttribute(observability.AttrModelProvider, j.request.Provider.Name()))
	defer d.tracer.EndSpan(span)

	if !j.request.Provider.SupportsStreaming() {
		d.runFallback(ctx, j)
		return
	}

	chunks, err := j.request.Provider.Stream(ctx, j.request.Completion)
	if err != nil {
		d.logger.Warn("provider stream open failed",
			zap.String("provider", j.request.Provider.Name()), zap.Error(err))
		_ = j.handler.Error(err.Error())
		return
	}

	var (
		assembled strings.Builder
		usage     llm.Usage
		ttft      *time.Duration
		start     = time.Now()
	)
	deadline := time.NewTimer(d.firstChunkTimeout)
	defer deadline.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Producer closed without a final marker; finalise with
				// whatever was assembled.
				d.finish(j, assembled.String(), usage, ttft)
				return
			}
			if chunk.Err != nil {
				if assembled.Len() == 0 {
					_ = j.handler.Error(chunk.Err.Error())
					return
				}
				d.logger.Warn("stream errored mid-flight, finalising partial text",
					zap.Error(chunk.Err))
				d.finish(j, assembled.String(), usage, ttft)
				return
			}
			if chunk.Text != "" {
				if ttft == nil {
					t := time.Since(start)
					ttft = &t
					d.tracer.RecordMetric(observability.MetricModelStreamTTFT,
						float64(t)/float64(time.Millisecond),
						map[string]string{"provider": j.request.Provider.Name()})
				}
				assembled.WriteString(chunk.Text)
				if err := j.handler.Chunk(chunk.Text); err != nil {
					// Receiver went away; cancel the producer and stop.
					cancel()
					return
				}
				resetTimer(deadline, d.idleWindow)
			}
			if chunk.Final {
				if chunk.Usage != (llm.Usage{}) {
					usage = chunk.Usage
				}
				d.finish(j, assembled.String(), usage, ttft)
				return
			}
		case <-deadline.C:
			if ttft == nil {
				_ = j.handler.Error("no response from model before timeout")
				return
			}
			d.logger.Warn("stream idle past watchdog window, finalising",
				zap.String("provider", j.request.Provider.Name()))
			d.finish(j, assembled.String(), usage, ttft)
			return
		case <-ctx.Done():
			if assembled.Len() > 0 {
				d.finish(j, assembled.String(), usage, ttft)
			} else {
				_ = j.handler.Error("stream timed out")
			}
			return
		}
	}
}

// runFallback serves a non-streaming provider by chunking its full
// completion at rune-safe boundaries.
func (d *Dispatcher) runFallback(ctx context.Context, j job) {
	text, usage, err := j.request.Provider.Complete(ctx, j.request.Completion)
	if err != nil {
		_ = j.handler.Error(err.Error())
		return
	}
	for _, piece := range ChunkText(text, FallbackChunkBytes) {
		if err := j.handler.Chunk(piece); err != nil {
			return
		}
	}
	d.finish(j, text, usage, nil)
}

func (d *Dispatcher) finish(j job, text string, usage llm.Usage, ttft *time.Duration) {
	var meta map[string]any
	if j.request.OnComplete != nil {
		meta = j.request.OnComplete(text, usage, ttft)
	}
	if err := j.handler.Complete(text, meta); err != nil {
		d.logger.Debug("complete event write failed", zap.Error(err))
	}
}

// ChunkText splits s into pieces of at most max bytes without breaking
// UTF-8 sequences.
func ChunkText(s string, max int) []string {
	if s == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	for _, r := range s {
		if b.Len()+len(string(r)) > max && b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

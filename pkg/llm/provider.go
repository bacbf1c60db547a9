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

// Package llm defines the provider contract every concrete model
// client (openai, ollama, anthropic) implements, plus the rate
// limiter shared across them.
package llm

import "context"

// CompletionRequest carries the generation parameters a provider needs
// for one call.
type CompletionRequest struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
}

// Usage reports token counts for a completed call. A provider that
// doesn't report usage leaves both fields zero; callers fall back to
// observability.EstimateTokens.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one piece of a streaming completion.
type StreamChunk struct {
	Text  string
	Final bool
	Usage Usage // populated only on the Final chunk, when known
	Err   error
}

// Provider is the contract every model client implements. Name
// identifies it for alias/substring matching in provider resolution
// during dispatch and for the "local provider" capability tag
// recovered from REDESIGN FLAGS §9.
type Provider interface {
	Name() string
	Local() bool
	SupportsStreaming() bool
	Complete(ctx context.Context, req CompletionRequest) (string, Usage, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

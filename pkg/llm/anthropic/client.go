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

// Package anthropic implements llm.Provider as a thin wrapper over
// github.com/anthropics/anthropic-sdk-go, the cloud-hosted competitor
// that races against the hand-rolled openai/ollama clients in model
// dispatch.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conversant/agentrt/pkg/llm"
)

const DefaultModel = anthropic.ModelClaude3_5SonnetLatest

// Config configures a Client.
type Config struct {
	APIKey string
	Model  anthropic.Model
}

// Client wraps the SDK's Messages service.
type Client struct {
	sdk   anthropic.Client
	model anthropic.Model
}

func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: cfg.Model}
}

func (c *Client) Name() string            { return "anthropic:" + string(c.model) }
func (c *Client) Local() bool             { return false }
func (c *Client) SupportsStreaming() bool { return true }

func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (string, llm.Usage, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("anthropic request: %w", err)
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, llm.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// Stream issues a streaming message request, forwarding each
// text-delta event as a chunk.
func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	stream := c.sdk.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})

	out := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(out)
		var usage llm.Usage
		for stream.Next() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					out <- llm.StreamChunk{Text: event.Delta.Text}
				}
			case "message_delta":
				if event.Usage.OutputTokens > 0 {
					usage.CompletionTokens = int(event.Usage.OutputTokens)
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Err: fmt.Errorf("anthropic stream: %w", err), Final: true}
			return
		}
		out <- llm.StreamChunk{Final: true, Usage: usage}
	}()
	return out, nil
}

var _ llm.Provider = (*Client)(nil)

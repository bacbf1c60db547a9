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

// Package openai implements llm.Provider against the OpenAI
// chat-completions API: a hand-rolled HTTP client with manual
// bufio.Scanner SSE-line parsing, matching the dialect every
// OpenAI-compatible endpoint (OpenAI itself, most local gateways)
// shares.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/conversant/agentrt/pkg/llm"
)

const (
	DefaultModel    = "gpt-4o"
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"
	DefaultTimeout  = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

// sharedClients caches one *http.Client per timeout value so every
// Client constructed with the same timeout reuses a single connection
// pool instead of re-establishing TLS sessions per request.
var (
	sharedClients   = map[time.Duration]*http.Client{}
	sharedClientsMu sync.Mutex
)

func sharedHTTPClient(timeout time.Duration) *http.Client {
	sharedClientsMu.Lock()
	defer sharedClientsMu.Unlock()
	if c, ok := sharedClients[timeout]; ok {
		return c
	}
	c := &http.Client{Timeout: timeout}
	sharedClients[timeout] = c
	return c
}

// Client implements llm.Provider for OpenAI-compatible chat endpoints.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewClient builds a Client, defaulting unset fields and reusing the
// shared HTTP client pool for the resolved timeout.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		endpoint:   cfg.Endpoint,
		httpClient: sharedHTTPClient(cfg.Timeout),
	}
}

func (c *Client) Name() string           { return "openai:" + c.model }
func (c *Client) Local() bool            { return false }
func (c *Client) SupportsStreaming() bool { return true }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) newRequest(ctx context.Context, req llm.CompletionRequest, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// Complete issues a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (string, llm.Usage, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return "", llm.Usage{}, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", llm.Usage{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, string(data))
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", llm.Usage{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", llm.Usage{}, fmt.Errorf("openai response had no choices")
	}
	return parsed.Choices[0].Message.Content, llm.Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// Stream issues a streaming chat completion, parsing SSE lines of the
// form "data: {json}" until the "data: [DONE]" terminator.
func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai stream status %d: %s", resp.StatusCode, string(data))
	}

	out := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- llm.StreamChunk{Final: true}
				return
			}
			var parsed chatResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			out <- llm.StreamChunk{Text: parsed.Choices[0].Delta.Content}
		}
		if err := scanner.Err(); err != nil {
			out <- llm.StreamChunk{Err: fmt.Errorf("openai stream read: %w", err), Final: true}
			return
		}
		out <- llm.StreamChunk{Final: true}
	}()
	return out, nil
}

var _ llm.Provider = (*Client)(nil)

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

// Package ollama implements llm.Provider against a local Ollama
// server's chat endpoint, the runtime's "local" model family
// (provider aliases ollama|local|llama|llamacpp|localai).
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/conversant/agentrt/pkg/llm"
)

const (
	DefaultEndpoint = "http://localhost:11434"
	DefaultTimeout  = 120 * time.Second
)

// Config configures a Client.
type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

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

// Client implements llm.Provider against Ollama's /api/chat endpoint.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		httpClient: sharedHTTPClient(cfg.Timeout),
	}
}

func (c *Client) Name() string            { return "ollama:" + c.model }
func (c *Client) Local() bool             { return true }
func (c *Client) SupportsStreaming() bool { return true }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done          bool `json:"done"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount     int  `json:"eval_count"`
}

func (c *Client) newRequest(ctx context.Context, req llm.CompletionRequest, stream bool) (*http.Request, error) {
	body := ollamaRequest{
		Model:  c.model,
		Stream: stream,
		Messages: []ollamaMessage{
			{Role: "user", Content: req.Prompt},
		},
		Options: ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stop:        req.Stop,
			NumPredict:  req.MaxTokens,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// Complete issues a single non-streaming chat call.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (string, llm.Usage, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return "", llm.Usage{}, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", llm.Usage{}, fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(data))
	}
	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", llm.Usage{}, fmt.Errorf("decode ollama response: %w", err)
	}
	return parsed.Message.Content, llm.Usage{
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
	}, nil
}

// Stream issues a streaming chat call, parsing newline-delimited JSON
// objects; {done:true} marks the final chunk.
func (c *Client) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama stream status %d: %s", resp.StatusCode, string(data))
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
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var parsed ollamaResponse
			if err := json.Unmarshal(line, &parsed); err != nil {
				continue
			}
			if parsed.Done {
				out <- llm.StreamChunk{
					Final: true,
					Usage: llm.Usage{PromptTokens: parsed.PromptEvalCount, CompletionTokens: parsed.EvalCount},
				}
				return
			}
			out <- llm.StreamChunk{Text: parsed.Message.Content}
		}
		if err := scanner.Err(); err != nil {
			out <- llm.StreamChunk{Err: fmt.Errorf("ollama stream read: %w", err), Final: true}
			return
		}
		out <- llm.StreamChunk{Final: true}
	}()
	return out, nil
}

var _ llm.Provider = (*Client)(nil)

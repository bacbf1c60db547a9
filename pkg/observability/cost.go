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
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/conversant/agentrt/pkg/types"
)

// ModelPrice is the per-million-token price of a model, in USD.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// pricing is a best-effort table of list prices. It is consulted only
// for cost attribution in LLMCostRecord and never affects dispatch
// decisions; an unlisted model prices at zero rather than failing.
var pricing = map[string]ModelPrice{
	"claude-3-5-sonnet-latest": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-latest":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-opus-4":            {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"gpt-4o":                   {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":              {InputPerMillion: 0.15, OutputPerMillion: 0.60},
}

var (
	tokenEncoder     *tiktoken.Tiktoken
	tokenEncoderOnce sync.Once
)

func getTokenEncoder() *tiktoken.Tiktoken {
	tokenEncoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenEncoder = enc
		}
	})
	return tokenEncoder
}

// EstimateTokens counts tokens with cl100k_base (a close approximation
// for both OpenAI and Claude models) for use when a provider does not
// report usage, e.g. mid-stream before the final chunk arrives. Falls
// back to a 4-characters-per-token heuristic if the encoder couldn't
// load.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	if enc := getTokenEncoder(); enc != nil {
		if n := len(enc.Encode(s, nil, nil)); n > 0 {
			return n
		}
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// PriceFor returns the list price for a model, or a zero price if the
// model is not in the table.
func PriceFor(model string) ModelPrice {
	return pricing[model]
}

// NewCostRecord computes InputCostUSD, OutputCostUSD, and TotalCostUSD
// for a completed model call from its token usage and the configured
// price table, leaving everything else in rec untouched.
func NewCostRecord(rec types.LLMCostRecord) types.LLMCostRecord {
	price := PriceFor(rec.Model)
	rec.InputCostUSD = float64(rec.PromptTokens) / 1_000_000 * price.InputPerMillion
	rec.OutputCostUSD = float64(rec.CompletionTok) / 1_000_000 * price.OutputPerMillion
	rec.TotalCostUSD = rec.InputCostUSD + rec.OutputCostUSD
	return rec
}

// RedactPromptPreview truncates a prompt to a short preview. Previews
// exist for debugging, not for replaying full conversations from the
// cost ledger.
func RedactPromptPreview(prompt string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	r := []rune(prompt)
	if len(r) <= maxLen {
		return prompt
	}
	return string(r[:maxLen]) + "…"
}

// durationMS converts a duration to float milliseconds for JSON
// records, matching the precision RecordMetric already uses.
func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

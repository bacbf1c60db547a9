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

// Package prompts renders the message-handler template against a
// composed state's values and sanitizes untrusted user text before it
// enters a prompt.
package prompts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var placeholderRe = regexp.MustCompile(`\{\{\.([A-Za-z0-9_]+)\}\}`)

// Render substitutes {{.KEY}} placeholders with the matching state
// values. Placeholders with no value collapse to the empty string so
// an absent provider leaves no residue in the prompt; state values
// pass through verbatim since conversation context must keep its line
// structure.
func Render(template string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(match, "{{."), "}}")
		return values[key]
	})
}

// injectionPatterns are user-text fragments that attempt to re-frame
// the prompt itself.
var injectionPatterns = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"system prompt",
	"</response>",
	"<response>",
}

// Sanitize cleans one untrusted user string for prompt embedding:
// strips control characters and invalid UTF-8, neutralizes envelope
// markup, and flattens known injection phrasings. Newlines survive so
// multi-line user messages render faithfully.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}

	lower := strings.ToLower(s)
	for _, p := range injectionPatterns {
		for {
			i := strings.Index(lower, p)
			if i < 0 {
				break
			}
			s = s[:i] + s[i+len(p):]
			lower = lower[:i] + lower[i+len(p):]
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

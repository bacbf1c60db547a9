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
package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/conversant/agentrt/pkg/types"
)

// Intent classes assigned by the phase-0 preprocessor.
const (
	IntentGreeting  = "Greeting"
	IntentQuestion  = "Question"
	IntentRequest   = "Request"
	IntentStatement = "Statement"
)

var (
	greetingWords = map[string]bool{"hi": true, "hello": true, "hey": true, "howdy": true, "yo": true}
	requestHints  = []string{"please", "can you", "could you", "would you", "help me"}
	positiveWords = map[string]bool{"thanks": true, "great": true, "awesome": true, "love": true, "good": true, "nice": true}
	negativeWords = map[string]bool{"hate": true, "terrible": true, "awful": true, "broken": true, "bad": true, "wrong": true}
	stopwords     = map[string]bool{
		"the": true, "and": true, "for": true, "that": true, "this": true, "with": true,
		"you": true, "are": true, "was": true, "have": true, "has": true, "not": true,
		"but": true, "they": true, "what": true, "about": true, "from": true, "your": true,
	}
)

// Annotations is the cheap per-message analysis produced by phase 0.
type Annotations struct {
	Language   string
	Intent     string
	Sentiment  string
	Tone       string
	Topics     []string
	Keywords   []string
	Entities   []string
	Complexity string
}

// Analyze derives phase-0 annotations from one message's text. It is
// intentionally heuristic: good enough to steer tone and verbosity,
// never load-bearing for correctness.
func Analyze(text string) Annotations {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	a := Annotations{
		Language:   detectLanguage(lower),
		Intent:     classifyIntent(lower, words),
		Sentiment:  classifySentiment(words),
		Tone:       classifyTone(trimmed),
		Keywords:   keywordsOf(words, 8),
		Entities:   entitiesOf(trimmed, 8),
		Complexity: classifyComplexity(words),
	}
	// Topics are the strongest keywords; a separate topic model is
	// not worth its weight at phase 0.
	if len(a.Keywords) > 3 {
		a.Topics = a.Keywords[:3]
	} else {
		a.Topics = a.Keywords
	}
	return a
}

func detectLanguage(lower string) string {
	for _, w := range []string{" el ", " la ", " los ", " una ", "¿", "¡"} {
		if strings.Contains(lower, w) {
			return "es"
		}
	}
	for _, w := range []string{" le ", " les ", " une ", " est ", " c'est "} {
		if strings.Contains(lower, w) {
			return "fr"
		}
	}
	return "en"
}

func classifyIntent(lower string, words []string) string {
	if len(words) > 0 && greetingWords[words[0]] {
		return IntentGreeting
	}
	if strings.HasSuffix(strings.TrimSpace(lower), "?") || startsWithWhWord(lower) {
		return IntentQuestion
	}
	for _, h := range requestHints {
		if strings.Contains(lower, h) {
			return IntentRequest
		}
	}
	return IntentStatement
}

func startsWithWhWord(lower string) bool {
	for _, w := range []string{"what", "who", "when", "where", "why", "which", "how"} {
		if strings.HasPrefix(lower, w+" ") {
			return true
		}
	}
	return false
}

func classifySentiment(words []string) string {
	score := 0
	for _, w := range words {
		if positiveWords[w] {
			score++
		}
		if negativeWords[w] {
			score--
		}
	}
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

func classifyTone(text string) string {
	if text == "" {
		return "casual"
	}
	hasUpperStart := unicode.IsUpper([]rune(text)[0])
	hasTerminal := strings.ContainsAny(text[len(text)-1:], ".!?")
	if hasUpperStart && hasTerminal && !strings.Contains(text, "lol") {
		return "formal"
	}
	return "casual"
}

func keywordsOf(words []string, max int) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range words {
		if len(w) <= 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == max {
			break
		}
	}
	return out
}

func entitiesOf(text string, max int) []string {
	var out []string
	seen := map[string]bool{}
	for i, w := range strings.Fields(text) {
		w = strings.Trim(w, ".,!?;:\"'")
		if w == "" || i == 0 || seen[w] {
			continue
		}
		r := []rune(w)
		if unicode.IsUpper(r[0]) && len(r) > 1 {
			seen[w] = true
			out = append(out, w)
			if len(out) == max {
				break
			}
		}
	}
	return out
}

func classifyComplexity(words []string) string {
	switch {
	case len(words) > 60:
		return "high"
	case len(words) > 20:
		return "medium"
	default:
		return "low"
	}
}

// suggestedLength maps a room's average message length to a response
// verbosity hint.
func suggestedLength(avgLen float64) string {
	switch {
	case avgLen < 40:
		return "short"
	case avgLen > 200:
		return "long"
	default:
		return "normal"
	}
}

func rhythmKey(roomID uuid.UUID, field string) string {
	return fmt.Sprintf("rhythm:%s:%s", roomID, field)
}

// preprocess runs phase 0: annotate the message, update the room's
// rhythm aggregates, and publish both into settings under the ui:* and
// rhythm:{room}:* prefixes. State composition reads the ui:* keys; the
// rhythm:{room}:* aggregates stay in settings.
func (p *Pipeline) preprocess(msg *types.Memory, room *types.Room) {
	a := Analyze(msg.Content.Text)
	settings := p.registry.Settings

	_ = settings.Set("ui:language", a.Language)
	_ = settings.Set("ui:intent", a.Intent)
	_ = settings.Set("ui:sentiment", a.Sentiment)
	_ = settings.Set("ui:tone", a.Tone)
	_ = settings.Set("ui:topics", strings.Join(a.Topics, ","))
	_ = settings.Set("ui:keywords", strings.Join(a.Keywords, ","))
	_ = settings.Set("ui:entities", strings.Join(a.Entities, ","))
	_ = settings.Set("ui:complexity_level", a.Complexity)

	// Rolling room rhythm: average length, message velocity, recent
	// topics, and a drift flag when the topic set turns over.
	var avgLen float64
	_, _ = settings.Get(rhythmKey(room.ID, "avg_len"), &avgLen)
	avgLen = avgLen*0.8 + float64(len(msg.Content.Text))*0.2
	_ = settings.Set(rhythmKey(room.ID, "avg_len"), avgLen)

	var lastAt int64
	_, _ = settings.Get(rhythmKey(room.ID, "last_at"), &lastAt)
	now := time.Now().Unix()
	if lastAt > 0 && now > lastAt {
		gap := float64(now - lastAt)
		var velocity float64
		_, _ = settings.Get(rhythmKey(room.ID, "velocity"), &velocity)
		velocity = velocity*0.8 + (60/gap)*0.2
		_ = settings.Set(rhythmKey(room.ID, "velocity"), velocity)
	}
	_ = settings.Set(rhythmKey(room.ID, "last_at"), now)

	var prevTopics string
	_, _ = settings.Get(rhythmKey(room.ID, "topics"), &prevTopics)
	topics := strings.Join(a.Topics, ",")
	drift := prevTopics != "" && topics != "" && !topicsOverlap(prevTopics, topics)
	_ = settings.Set(rhythmKey(room.ID, "topics"), topics)
	_ = settings.Set("ui:topic_shift", fmt.Sprintf("%t", drift))

	_ = settings.Set("ui:verbosity", suggestedLength(avgLen))
	_ = settings.Set("ui:suggested_response_length", suggestedLength(avgLen))
}

func topicsOverlap(a, b string) bool {
	set := map[string]bool{}
	for _, t := range strings.Split(a, ",") {
		set[t] = true
	}
	for _, t := range strings.Split(b, ",") {
		if set[t] {
			return true
		}
	}
	return false
}

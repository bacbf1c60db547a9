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
package prompts

// MessageHandlerKey names the template the pipeline renders for each
// response; a character may override it through its Templates map.
const MessageHandlerKey = "message_handler"

// DefaultMessageHandler is the built-in message-handler template. The
// placeholders match the state keys produced by composition: provider
// text lands under the provider's uppercased name, annotations under
// the UI_* keys.
const DefaultMessageHandler = `{{.CHARACTER}}

{{.KNOWLEDGE_RECALL}}

Recent conversation:
{{.RECENT_MESSAGES}}

{{.CONTEXT_LAST_THOUGHT}}

Conversation notes: tone {{.UI_TONE}}, intent {{.UI_INTENT}}, suggested length {{.UI_SUGGESTED_RESPONSE_LENGTH}}.

The user says:
{{.USER_MESSAGE}}

Respond with exactly one XML envelope of the form
<response><thought>your private reasoning</thought><actions>REPLY</actions><text>your reply to the user</text></response>`

// ResolveTemplate picks the character's message-handler override when
// one exists, the built-in default otherwise.
func ResolveTemplate(overrides map[string]string) string {
	if t, ok := overrides[MessageHandlerKey]; ok && t != "" {
		return t
	}
	return DefaultMessageHandler
}

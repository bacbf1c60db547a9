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
package runtime

import "strings"

// State is a keyed bag composed by pkg/state from every registered
// Provider's contribution: Values feeds template rendering, Data
// feeds downstream providers and actions that want structured access.
// It lives in this package, not pkg/state, so Action/Provider/
// Evaluator signatures above can reference it without an import
// cycle back to the package that composes it.
type State struct {
	Values map[string]string
	Data   map[string]any
}

// NewState returns an empty, ready-to-merge State.
func NewState() *State {
	return &State{
		Values: make(map[string]string),
		Data:   make(map[string]any),
	}
}

// MergeText stores a provider's rendered text under its uppercased
// name.
func (s *State) MergeText(providerName, text string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[strings.ToUpper(providerName)] = text
}

// MergeValues merges a provider's Values verbatim.
func (s *State) MergeValues(values map[string]string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	for k, v := range values {
		s.Values[k] = v
	}
}

// MergeData merges a provider's Data verbatim.
func (s *State) MergeData(data map[string]any) {
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	for k, v := range data {
		s.Data[k] = v
	}
}

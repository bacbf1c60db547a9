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

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Settings is the registry's keyed string → JSON map, used for
// runtime toggles (ui:streaming, ui:fast_mode, model_provider, per-room
// ROOM_OWNER:{id}, last-addressed timestamps, parsed-actions hints).
// Writers are exclusive; Prefix and Keys give readers an independent
// copy.
type Settings struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewSettings returns an empty settings map.
func NewSettings() *Settings {
	return &Settings{data: make(map[string]json.RawMessage)}
}

// Set stores v under key, marshaling it to JSON.
func (s *Settings) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

// Get unmarshals the value stored under key into out, returning false
// if key is absent.
func (s *Settings) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// GetString is a convenience accessor for plain string settings.
func (s *Settings) GetString(key string) (string, bool) {
	var v string
	ok, err := s.Get(key, &v)
	if err != nil || !ok {
		return "", false
	}
	return v, true
}

// GetBool is a convenience accessor for plain bool settings.
func (s *Settings) GetBool(key string) (bool, bool) {
	var v bool
	ok, err := s.Get(key, &v)
	if err != nil || !ok {
		return false, false
	}
	return v, true
}

// Delete removes a key.
func (s *Settings) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Prefix returns every key with the given prefix and its raw JSON
// value, as a new map; iterating it follows Go map order, not key
// order.
func (s *Settings) Prefix(prefix string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Keys returns every key currently set, sorted.
func (s *Settings) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

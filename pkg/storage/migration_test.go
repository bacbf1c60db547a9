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
package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestOrderTables_RespectsReferences(t *testing.T) {
	schemas := []PluginSchema{{
		Plugin: "core",
		Tables: map[string]map[string]string{
			"rooms": {
				"id":       "TEXT PRIMARY KEY",
				"world_id": "TEXT REFERENCES worlds(id)",
			},
			"worlds": {
				"id": "TEXT PRIMARY KEY",
			},
			"participants": {
				"room_id":   "TEXT REFERENCES rooms(id)",
				"entity_id": "TEXT",
			},
		},
	}}

	ordered, err := OrderTables(schemas)
	require.NoError(t, err)
	require.Len(t, ordered, 3)

	assert.Less(t, indexOf(ordered, "worlds"), indexOf(ordered, "rooms"))
	assert.Less(t, indexOf(ordered, "rooms"), indexOf(ordered, "participants"))
}

func TestOrderTables_BreaksCycles(t *testing.T) {
	schemas := []PluginSchema{{
		Plugin: "cyclic",
		Tables: map[string]map[string]string{
			"a": {"b_id": "TEXT REFERENCES b(id)"},
			"b": {"a_id": "TEXT REFERENCES a(id)"},
		},
	}}

	ordered, err := OrderTables(schemas)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ordered)
}

func TestOrderTables_RejectsBadIdentifiers(t *testing.T) {
	schemas := []PluginSchema{{
		Plugin: "bad",
		Tables: map[string]map[string]string{
			"drop table users; --": {"id": "TEXT"},
		},
	}}
	_, err := OrderTables(schemas)
	assert.Error(t, err)
}

func TestCreateTableSQL(t *testing.T) {
	sql, err := CreateTableSQL("agents", map[string]string{
		"id":   "TEXT PRIMARY KEY",
		"name": "TEXT NOT NULL",
	})
	require.NoError(t, err)
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS agents")
	assert.Contains(t, sql, "id TEXT PRIMARY KEY")
	assert.Contains(t, sql, "name TEXT NOT NULL")
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("memories"))
	assert.NoError(t, ValidateIdentifier("room_owner_123"))
	assert.Error(t, ValidateIdentifier(""))
	assert.Error(t, ValidateIdentifier("has space"))
	assert.Error(t, ValidateIdentifier("semi;colon"))
}

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
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PluginSchema is the JSON-shaped table schema a plugin publishes:
// table name -> column name -> "TYPE [REFERENCES other(col)]".
type PluginSchema struct {
	Plugin string
	Tables map[string]map[string]string
}

var identifierRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ValidateIdentifier enforces the identifier rule: only
// letters, digits, and underscores, at most 64 characters. Every
// table and column name in a migration MUST pass this before being
// interpolated into SQL.
func ValidateIdentifier(name string) error {
	if !identifierRE.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: must match [A-Za-z0-9_]{1,64}", name)
	}
	return nil
}

// referencesRE extracts the referenced table from a column
// definition's optional trailing "REFERENCES table(col)" clause.
var referencesRE = regexp.MustCompile(`(?i)REFERENCES\s+([A-Za-z0-9_]+)\s*\(`)

// OrderTables validates every table/column identifier across the
// given plugin schemas and returns the table names in an order that
// satisfies every REFERENCES dependency: Kahn's algorithm on the
// dependency graph, with cycles broken by appending the offending
// tables in their original declaration order, so migration always
// terminates even over a schema with a reference cycle.
func OrderTables(schemas []PluginSchema) ([]string, error) {
	// declOrder preserves first-seen order for stable tie-breaking and
	// for the cycle-fallback below. Go map iteration order is random,
	// so table names within one schema are sorted first — the
	// plugin's own declaration order isn't observable from a map.
	var declOrder []string
	seen := make(map[string]bool)
	deps := make(map[string]map[string]bool) // table -> tables it depends on

	for _, schema := range schemas {
		names := make([]string, 0, len(schema.Tables))
		for t := range schema.Tables {
			names = append(names, t)
		}
		sort.Strings(names)

		for _, table := range names {
			cols := schema.Tables[table]
			if err := ValidateIdentifier(table); err != nil {
				return nil, fmt.Errorf("plugin %s: %w", schema.Plugin, err)
			}
			if !seen[table] {
				seen[table] = true
				declOrder = append(declOrder, table)
			}
			if deps[table] == nil {
				deps[table] = make(map[string]bool)
			}

			colNames := make([]string, 0, len(cols))
			for c := range cols {
				colNames = append(colNames, c)
			}
			sort.Strings(colNames)
			for _, col := range colNames {
				def := cols[col]
				if err := ValidateIdentifier(col); err != nil {
					return nil, fmt.Errorf("plugin %s table %s: %w", schema.Plugin, table, err)
				}
				if m := referencesRE.FindStringSubmatch(def); m != nil {
					ref := m[1]
					if err := ValidateIdentifier(ref); err != nil {
						return nil, fmt.Errorf("plugin %s table %s column %s: %w", schema.Plugin, table, col, err)
					}
					if ref != table {
						deps[table][ref] = true
					}
				}
			}
		}
	}

	// indegree[t] = number of tables t depends on that haven't been
	// emitted yet.
	indegree := make(map[string]int, len(declOrder))
	for _, t := range declOrder {
		indegree[t] = len(deps[t])
	}

	var ordered []string
	remaining := make(map[string]bool, len(declOrder))
	for _, t := range declOrder {
		remaining[t] = true
	}

	for len(remaining) > 0 {
		// Find every table with indegree 0 among remaining, in
		// declaration order, and emit them all before recomputing.
		var ready []string
		for _, t := range declOrder {
			if remaining[t] && indegree[t] == 0 {
				ready = append(ready, t)
			}
		}
		if len(ready) == 0 {
			// Cycle: break it by appending whatever remains, in
			// original declaration order, rather than failing.
			for _, t := range declOrder {
				if remaining[t] {
					ordered = append(ordered, t)
				}
			}
			break
		}
		for _, t := range ready {
			ordered = append(ordered, t)
			delete(remaining, t)
		}
		for t := range remaining {
			for _, r := range ready {
				if deps[t][r] {
					indegree[t]--
				}
			}
		}
	}

	return ordered, nil
}

// CreateTableSQL renders an idempotent CREATE TABLE IF NOT EXISTS
// statement for one table's column definitions. Column order is
// sorted for determinism (plugins publish a map, which has none).
func CreateTableSQL(table string, columns map[string]string) (string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", err
	}
	names := make([]string, 0, len(columns))
	for c := range columns {
		names = append(names, c)
	}
	sort.Strings(names)

	var defs []string
	for _, c := range names {
		if err := ValidateIdentifier(c); err != nil {
			return "", err
		}
		defs = append(defs, fmt.Sprintf("%s %s", c, columns[c]))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", ")), nil
}

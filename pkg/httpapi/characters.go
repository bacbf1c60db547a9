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
package httpapi

import (
	"encoding/xml"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/types"
)

// characterXML is the on-disk character document shape.
type characterXML struct {
	XMLName   xml.Name `xml:"character"`
	Name      string   `xml:"name,attr"`
	Bio       []string `xml:"bio"`
	Lore      []string `xml:"lore"`
	Knowledge []string `xml:"knowledge"`
	Templates []struct {
		Name string `xml:"name,attr"`
		Body string `xml:",chardata"`
	} `xml:"template"`
}

var currentCharacterMu sync.RWMutex

func (s *Server) currentCharacter() string {
	name, _ := s.registry.Settings.GetString("character:current")
	return name
}

func (s *Server) handleCharacters(w http.ResponseWriter, _ *http.Request) {
	var files []string
	if s.characterDir != "" {
		entries, err := os.ReadDir(s.characterDir)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindInternal, "read character dir", err))
			return
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".xml") {
				files = append(files, e.Name())
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"characters": files,
		"current":    s.currentCharacter(),
	})
}

// LoadCharacter parses one character XML file into the domain type.
func LoadCharacter(path string) (*types.Character, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc characterXML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Validation("malformed character file: %v", err)
	}
	if doc.Name == "" {
		return nil, apperr.Validation("character file missing name attribute")
	}
	c := &types.Character{
		Name:      doc.Name,
		Bio:       doc.Bio,
		Lore:      doc.Lore,
		Knowledge: doc.Knowledge,
	}
	if len(doc.Templates) > 0 {
		c.Templates = make(map[string]string, len(doc.Templates))
		for _, t := range doc.Templates {
			c.Templates[t.Name] = strings.TrimSpace(t.Body)
		}
	}
	return c, nil
}

func (s *Server) handleCharacterSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	// Reject traversal outside the character directory.
	if req.Filename == "" || strings.ContainsAny(req.Filename, "/\\") {
		writeError(w, apperr.Validation("invalid character filename"))
		return
	}
	path := filepath.Join(s.characterDir, req.Filename)
	if _, err := os.Stat(path); err != nil {
		writeError(w, apperr.NotFound("character %q not found", req.Filename))
		return
	}

	character, err := LoadCharacter(path)
	if err != nil {
		writeError(w, err)
		return
	}

	currentCharacterMu.Lock()
	s.pipeline.SetCharacter(character)
	_ = s.registry.Settings.Set("character:current", req.Filename)
	currentCharacterMu.Unlock()

	// Watch the selected file so edits hot-reload through the
	// registry's watcher loop.
	if err := s.registry.Watcher().Add(path); err != nil {
		s.logger.Warn("watch character file failed",
			zap.String("path", path), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"character": character.Name,
	})
}

// WatchCharacterReloads drains the registry watcher and re-applies a
// changed character file. Returns a stop function.
func (s *Server) WatchCharacterReloads() func() {
	done := make(chan struct{})
	watcher := s.registry.Watcher()
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".xml") {
					continue
				}
				character, err := LoadCharacter(ev.Name)
				if err != nil {
					s.logger.Warn("character hot-reload failed",
						zap.String("path", ev.Name), zap.Error(err))
					continue
				}
				currentCharacterMu.Lock()
				s.pipeline.SetCharacter(character)
				currentCharacterMu.Unlock()
				s.logger.Info("character hot-reloaded",
					zap.String("character", character.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("character watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

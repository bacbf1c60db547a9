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

// Package httpapi serves the agent's HTTP surface under /agent: chat
// (plain and SSE-streamed), state composition, task polling, memory
// and context writes, room administration, provider and character
// selection.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conversant/agentrt/pkg/apperr"
	"github.com/conversant/agentrt/pkg/llm"
	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/pipeline"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/streaming"
	"github.com/conversant/agentrt/pkg/tasks"
	"github.com/conversant/agentrt/pkg/training"
)

const (
	// DefaultMaxBodyBytes bounds one request body.
	DefaultMaxBodyBytes = 512_000

	// chatTimeout bounds a non-streaming chat task; stateTimeout a
	// state-composition task.
	chatTimeout  = 90 * time.Second
	stateTimeout = 15 * time.Second
)

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns a permissive CORS configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	}
}

// Config configures a Server.
type Config struct {
	Registry  *runtime.Registry
	Store     storage.Store
	Pipeline  *pipeline.Pipeline
	Streaming *streaming.Dispatcher
	Dispatch  *modeldispatch.Dispatcher

	// Providers are the streaming-capable model clients, matched by
	// name for /chat/stream. /providers lists the registry's model
	// handlers instead.
	Providers []llm.Provider

	// MemoryWorker backs /memory/create and the pipeline's queued
	// writes. It is initialised lazily on first use when nil.
	MemoryWorker *tasks.MemoryWorker

	// Training is optional; when present, completed streams attach a
	// sample ID to the final chunk's meta.
	Training *training.Collector

	// CharacterDir holds the character XML files served by
	// /characters and /character/select.
	CharacterDir string

	Logger *zap.Logger
	Tracer observability.Tracer

	MaxBodyBytes int64
	CORS         CORSConfig
}

// Server is the /agent HTTP surface.
type Server struct {
	registry  *runtime.Registry
	store     storage.Store
	pipeline  *pipeline.Pipeline
	streaming *streaming.Dispatcher
	dispatch  *modeldispatch.Dispatcher
	providers []llm.Provider
	training  *training.Collector
	logger    *zap.Logger
	tracer    observability.Tracer

	characterDir string
	maxBodyBytes int64
	cors         CORSConfig

	// memWorker resolves the memory worker exactly once, even under
	// concurrent first use of /memory/create.
	memWorker func() *tasks.MemoryWorker

	tasksMu  sync.RWMutex
	apiTasks map[string]*apiTask

	mux *http.ServeMux
}

// NewServer wires the route table.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if !cfg.CORS.Enabled && len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS = DefaultCORSConfig()
	}

	s := &Server{
		registry:     cfg.Registry,
		store:        cfg.Store,
		pipeline:     cfg.Pipeline,
		streaming:    cfg.Streaming,
		dispatch:     cfg.Dispatch,
		providers:    cfg.Providers,
		training:     cfg.Training,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		characterDir: cfg.CharacterDir,
		maxBodyBytes: cfg.MaxBodyBytes,
		cors:         cfg.CORS,
		apiTasks:     make(map[string]*apiTask),
		mux:          http.NewServeMux(),
	}
	s.memWorker = sync.OnceValue(func() *tasks.MemoryWorker {
		if cfg.MemoryWorker != nil {
			return cfg.MemoryWorker
		}
		w := tasks.NewMemoryWorker(tasks.MemoryWorkerConfig{
			Store: cfg.Store, Logger: cfg.Logger, Tracer: cfg.Tracer,
		})
		w.Start()
		return w
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /agent/health", s.handleHealth)
	s.mux.HandleFunc("GET /agent/characters", s.handleCharacters)
	s.mux.HandleFunc("POST /agent/character/select", s.handleCharacterSelect)
	s.mux.HandleFunc("GET /agent/providers", s.handleProviders)
	s.mux.HandleFunc("POST /agent/provider/switch", s.handleProviderSwitch)
	s.mux.HandleFunc("POST /agent/chat", s.handleChat)
	s.mux.HandleFunc("POST /agent/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("POST /agent/state", s.handleState)
	s.mux.HandleFunc("POST /agent/action", s.handleAction)
	s.mux.HandleFunc("GET /agent/task/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /agent/memory/create", s.handleMemoryCreate)
	s.mux.HandleFunc("POST /agent/context/add", s.handleContextAdd)
	s.mux.HandleFunc("POST /agent/context/save", s.handleContextSave)
	s.mux.HandleFunc("POST /agent/room/delete", s.handleRoomDelete)
	s.mux.HandleFunc("POST /agent/knowledge/ingest", s.handleKnowledgeIngest)
}

// Handler returns the full middleware stack: CORS, then body limits,
// then the route table.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.limitMiddleware(s.mux))
}

// NewHTTPServer builds the http.Server for this surface. WriteTimeout
// stays zero so SSE streams are never cut by the server itself.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) limitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cors.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		origin := "*"
		if len(s.cors.AllowedOrigins) > 0 {
			origin = s.cors.AllowedOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.cors.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.cors.AllowedHeaders, ", "))
		if s.cors.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if s.cors.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.cors.MaxAge))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the {success:false, error, code}
// envelope with the taxonomy's status code.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.StatusCode(err)
	writeJSON(w, code, map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    code,
	})
}

// decodeBody decodes a JSON request body, mapping an oversized body to
// 413 and malformed JSON to 400.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"success": false,
				"error":   fmt.Sprintf("request body exceeds %d bytes", s.maxBodyBytes),
				"code":    http.StatusRequestEntityTooLarge,
			})
			return false
		}
		writeError(w, apperr.Validation("malformed JSON body: %v", err))
		return false
	}
	return true
}

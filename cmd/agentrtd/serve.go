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
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conversant/agentrt/internal/config"
	"github.com/conversant/agentrt/internal/log"
	"github.com/conversant/agentrt/pkg/httpapi"
	"github.com/conversant/agentrt/pkg/llm"
	"github.com/conversant/agentrt/pkg/llm/anthropic"
	"github.com/conversant/agentrt/pkg/llm/ollama"
	"github.com/conversant/agentrt/pkg/llm/openai"
	"github.com/conversant/agentrt/pkg/modeldispatch"
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/pipeline"
	"github.com/conversant/agentrt/pkg/plugins/bootstrap"
	rt "github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/state"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/storage/postgres"
	"github.com/conversant/agentrt/pkg/storage/sqlite"
	"github.com/conversant/agentrt/pkg/streaming"
	"github.com/conversant/agentrt/pkg/tasks"
	"github.com/conversant/agentrt/pkg/training"
	"github.com/conversant/agentrt/pkg/types"
)

func serve(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	log.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracePath, _ := cmd.Flags().GetString("trace")
	traceMode := "none"
	if tracePath != "" {
		traceMode = "jsonlines"
	}
	tracer, err := observability.NewTracer(traceMode, tracePath, logger)
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer tracer.Flush(context.Background()) //nolint:errcheck

	store, err := openStore(ctx, cfg, tracer)
	if err != nil {
		return err
	}
	defer store.Close()

	character, agentName, err := loadCharacter(cmd)
	if err != nil {
		return err
	}

	registry, err := rt.NewRegistry(rt.Config{
		AgentID: types.AgentID(agentName),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	defer registry.Close()
	observability.RegisterLockMetrics(registry.LockMetrics())

	// Seed the runtime toggles from the environment.
	_ = registry.Settings.Set("ui:streaming", cfg.UIStreaming)
	_ = registry.Settings.Set("ui:provider_racing", cfg.UIProviderRacing)
	_ = registry.Settings.Set("ui:prompt_debug", cfg.UIPromptDebug)

	// Seed the agent row so every memory has a valid owner.
	agent := &types.Agent{
		ID:        registry.AgentID,
		Name:      agentName,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if character != nil {
		agent.Character = *character
	}
	if _, err := store.GetAgent(ctx, agent.ID); err != nil {
		if err := store.CreateAgent(ctx, agent); err != nil {
			logger.Warn("seed agent row failed", zap.Error(err))
		}
	}

	var collector *training.Collector
	if dir, _ := cmd.Flags().GetString("training-dir"); dir != "" {
		collector, err = training.NewCollector(training.Config{
			OutputDir:     dir,
			FlushInterval: time.Minute,
			Store:         store,
			Logger:        logger,
			Tracer:        tracer,
		})
		if err != nil {
			return fmt.Errorf("open training collector: %w", err)
		}
		defer collector.Close()
	}

	providers := buildProviders(cfg)
	if len(providers) == 0 {
		logger.Warn("no model providers configured; chat will return the safe fallback reply")
	}

	plugin := bootstrap.Plugin(bootstrap.Config{
		Store:     store,
		Character: character,
		Providers: providers,
		Training:  collector,
		Logger:    logger,
	})
	if err := registry.RegisterPlugin(ctx, plugin); err != nil {
		return fmt.Errorf("register bootstrap plugin: %w", err)
	}
	if err := store.RunPluginMigrations(ctx, []storage.PluginSchema{{
		Plugin: plugin.Name,
		Tables: plugin.Schema,
	}}); err != nil {
		return fmt.Errorf("apply plugin migrations: %w", err)
	}

	limiterCfg := llm.DefaultRateLimiterConfig()
	limiterCfg.Logger = logger
	dispatcher := modeldispatch.NewDispatcher(modeldispatch.Config{
		Registry:      registry,
		Logger:        logger,
		Tracer:        tracer,
		RateLimiter:   llm.NewRateLimiter(limiterCfg),
		LocalFallback: localFallback(cfg),
	})

	memWorker := tasks.NewMemoryWorker(tasks.MemoryWorkerConfig{
		Store: store, Logger: logger, Tracer: tracer,
	})
	memWorker.Start()
	defer memWorker.Stop()

	var stopQueue func()
	manager := tasks.NewManager(tasks.ManagerConfig{
		Store: store, Logger: logger, Tracer: tracer,
	})
	if !cfg.TestMode {
		manager.RegisterWorker(tasks.TaskTypeEmbedding,
			tasks.NewEmbeddingWorker(registry, store, logger))
		if err := manager.Start(); err != nil {
			return fmt.Errorf("start task manager: %w", err)
		}
		defer manager.Stop()
		stopQueue = tasks.WireEmbeddingQueue(store, memWorker, logger)
		defer stopQueue()
	}

	pl := pipeline.New(pipeline.Config{
		Registry:     registry,
		Store:        store,
		Dispatcher:   dispatcher,
		Composer:     state.NewComposer(state.Config{
			Registry:          registry,
			Logger:            logger,
			Tracer:            tracer,
			MaxDynamicEntries: cfg.DynamicPromptMaxEntries,
		}),
		MemoryWorker:     memWorker,
		Training:         collector,
		Character:        character,
		Logger:           logger,
		Tracer:           tracer,
		EnablePreprocess: true,
		ContextWindow:    128_000,
	})

	sd := streaming.NewDispatcher(streaming.Config{
		Logger:            logger,
		Tracer:            tracer,
		MaxStreams:        cfg.MaxConcurrentStreams,
		FirstChunkTimeout: 20 * time.Second,
		OverallTimeout:    cfg.OpenAIStreamTimeout,
	})
	sd.Start()
	defer sd.Stop()

	characterDir, _ := cmd.Flags().GetString("character-dir")
	api := httpapi.NewServer(httpapi.Config{
		Registry:     registry,
		Store:        store,
		Pipeline:     pl,
		Streaming:    sd,
		Dispatch:     dispatcher,
		Providers:    providers,
		MemoryWorker: memWorker,
		Training:     collector,
		CharacterDir: characterDir,
		Logger:       logger,
		Tracer:       tracer,
		MaxBodyBytes: cfg.MaxMessageBytes,
	})
	stopReload := api.WatchCharacterReloads()
	defer stopReload()

	mux := http.NewServeMux()
	mux.Handle("/agent/", api.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := api.NewHTTPServer(cfg.ListenAddr)
	srv.Handler = mux

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent runtime listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("agent", agentName),
			zap.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, tracer observability.Tracer) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("--storage postgres requires --postgres-dsn")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, tracer)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath, tracer)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func loadCharacter(cmd *cobra.Command) (*types.Character, string, error) {
	path, _ := cmd.Flags().GetString("character")
	if path == "" {
		name, _ := cmd.Flags().GetString("agent-name")
		return nil, name, nil
	}
	character, err := httpapi.LoadCharacter(path)
	if err != nil {
		return nil, "", fmt.Errorf("load character %s: %w", path, err)
	}
	return character, character.Name, nil
}

// buildProviders assembles the provider clients the environment is
// configured for. Order matters: earlier providers get higher handler
// priority.
func buildProviders(cfg *config.Config) []llm.Provider {
	var providers []llm.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Timeout: cfg.OpenAIStreamTimeout,
		}))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, anthropic.NewClient(anthropic.Config{APIKey: key}))
	}
	if cfg.OllamaBaseURL != "" || cfg.OllamaModel != "" {
		providers = append(providers, ollama.NewClient(ollama.Config{
			Endpoint: cfg.OllamaBaseURL,
			Model:    cfg.OllamaModel,
			Timeout:  cfg.OllamaStreamTimeout,
		}))
	}
	return providers
}

// localFallback issues a direct Ollama call when the preferred local
// handler fails.
func localFallback(cfg *config.Config) func(ctx context.Context, params rt.ModelHandlerParams) (string, error) {
	client := ollama.NewClient(ollama.Config{
		Endpoint: cfg.OllamaBaseURL,
		Model:    cfg.OllamaModel,
		Timeout:  cfg.OllamaStreamTimeout,
	})
	return func(ctx context.Context, params rt.ModelHandlerParams) (string, error) {
		text, _, err := client.Complete(ctx, llm.CompletionRequest{
			Prompt:      params.Prompt,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})
		return text, err
	}
}

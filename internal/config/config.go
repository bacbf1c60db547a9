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

// Package config loads the process configuration from environment
// variables, binding them through viper so flags, env vars, and
// defaults compose.
package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	global     *Config
	globalOnce sync.Once
)

// Config is the process-wide, read-mostly configuration snapshot.
// Set installs the process-wide value and Get returns it; readers that
// want a point-in-time copy call Snapshot().
type Config struct {
	mu sync.RWMutex

	OpenAIAPIKey          string
	OpenAIStreamTimeout   time.Duration
	OllamaBaseURL         string
	OllamaModel           string
	OllamaStreamTimeout   time.Duration
	AgentAPIURL           string
	MaxMessageBytes       int64
	MaxConcurrentStreams  int
	DynamicPromptMaxEntries int
	DiscordBotRoleID      string
	DiscordTestChannelID  string
	DiscordStreamTimeout  time.Duration
	DiscordEditInterval   time.Duration
	DiscordStreamInactive time.Duration
	UIStreaming           bool
	UIProviderRacing      bool
	UIPromptDebug         bool
	UnmuteDir             string
	TestMode              bool

	StorageBackend string // "sqlite" | "postgres"
	SQLitePath     string
	PostgresDSN    string
	ListenAddr     string
}

// Load reads configuration from the environment (and any bound flags)
// via viper and returns a populated Config. It does not mutate the
// process-wide global; call Set or rely on Get's lazy default.
func Load(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("openai_stream_timeout_secs", 45)
	v.SetDefault("ollama_stream_timeout_secs", 120)
	v.SetDefault("api_max_message_bytes", 512_000)
	v.SetDefault("max_concurrent_streams", 64)
	v.SetDefault("dynamic_prompt_max_entries", 1000)
	v.SetDefault("discord_stream_request_timeout_secs", 20)
	v.SetDefault("discord_edit_interval_ms", 750)
	v.SetDefault("discord_stream_inactivity_ms", 2000)
	v.SetDefault("ui_streaming", true)
	v.SetDefault("ui_provider_racing", false)
	v.SetDefault("ui_prompt_debug", false)
	v.SetDefault("storage_backend", "sqlite")
	v.SetDefault("sqlite_path", "agentrt.db")
	v.SetDefault("listen_addr", ":8080")

	return &Config{
		OpenAIAPIKey:            v.GetString("openai_api_key"),
		OpenAIStreamTimeout:     time.Duration(v.GetInt("openai_stream_timeout_secs")) * time.Second,
		OllamaBaseURL:           v.GetString("ollama_base_url"),
		OllamaModel:             v.GetString("ollama_model"),
		OllamaStreamTimeout:     time.Duration(v.GetInt("ollama_stream_timeout_secs")) * time.Second,
		AgentAPIURL:             v.GetString("agent_api_url"),
		MaxMessageBytes:         v.GetInt64("api_max_message_bytes"),
		MaxConcurrentStreams:    v.GetInt("max_concurrent_streams"),
		DynamicPromptMaxEntries: v.GetInt("dynamic_prompt_max_entries"),
		DiscordBotRoleID:        v.GetString("discord_bot_role_id"),
		DiscordTestChannelID:    v.GetString("discord_test_channel_id"),
		DiscordStreamTimeout:    time.Duration(v.GetInt("discord_stream_request_timeout_secs")) * time.Second,
		DiscordEditInterval:     time.Duration(v.GetInt("discord_edit_interval_ms")) * time.Millisecond,
		DiscordStreamInactive:   time.Duration(v.GetInt("discord_stream_inactivity_ms")) * time.Millisecond,
		UIStreaming:             v.GetBool("ui_streaming"),
		UIProviderRacing:        v.GetBool("ui_provider_racing"),
		UIPromptDebug:           v.GetBool("ui_prompt_debug"),
		UnmuteDir:               v.GetString("unmute_dir"),
		TestMode:                v.GetBool("zoey_test_mode"),
		StorageBackend:          v.GetString("storage_backend"),
		SQLitePath:              v.GetString("sqlite_path"),
		PostgresDSN:             v.GetString("postgres_dsn"),
		ListenAddr:              v.GetString("listen_addr"),
	}
}

// Get returns the global configuration, lazily loading it from the
// environment on first access.
func Get() *Config {
	globalOnce.Do(func() {
		global = Load(nil)
	})
	return global
}

// Set replaces the global configuration, used by tests and by the
// CLI entrypoint once flags have been parsed.
func Set(cfg *Config) {
	globalOnce.Do(func() {})
	global = cfg
}

// Snapshot returns a copy of the config safe to read without holding
// the lock further, so readers see a point-in-time snapshot.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c
}

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

// agentrtd runs the conversational agent runtime: storage, registry,
// workers, streaming dispatcher, and the /agent HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conversant/agentrt/internal/config"
	"github.com/conversant/agentrt/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "agentrtd",
	Short:   "Conversational agent runtime daemon",
	Long:    `agentrtd hosts a conversational agent: it accepts chat over HTTP and SSE, composes contextual prompts against pluggable model providers, and persists every interaction into the memory store.`,
	Version: version.Get(),
	RunE:    runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent runtime and HTTP surface",
	RunE:  runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("storage", "sqlite", "storage backend: sqlite or postgres")
	flags.String("sqlite-path", "agentrt.db", "SQLite database path")
	flags.String("postgres-dsn", "", "Postgres DSN (required with --storage postgres)")
	flags.String("character", "", "character XML file to load at startup")
	flags.String("character-dir", "characters", "directory of character XML files")
	flags.String("agent-name", "agent", "agent name when no character is loaded")
	flags.String("training-dir", "", "training output directory (empty disables capture)")
	flags.String("trace", "", "trace sink: empty for none, or a JSON-lines file path")

	v := viper.GetViper()
	cobra.CheckErr(v.BindPFlag("listen_addr", flags.Lookup("listen")))
	cobra.CheckErr(v.BindPFlag("storage_backend", flags.Lookup("storage")))
	cobra.CheckErr(v.BindPFlag("sqlite_path", flags.Lookup("sqlite-path")))
	cobra.CheckErr(v.BindPFlag("postgres_dsn", flags.Lookup("postgres-dsn")))

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentrtd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	config.Set(cfg)
	return serve(cmd, cfg)
}

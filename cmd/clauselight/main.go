// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command clauselight runs the analysis cache service and its operator
// tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clauselight/clauselight/services/analysis/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "clauselight",
	Short: "Content-addressable analysis cache with crash-recoverable tasks",
	Long: `clauselight runs the shared document-analysis cache: content-addressed
artifacts, possession-gated result sharing, and a recovery orchestrator
that resumes crashed analysis tasks from their last valid checkpoint.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/clauselight/clauselight.yaml", "path to the service config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(recoveryCmd)
}

// loadConfig loads (or creates) the config file named by --config.
func loadConfig() (config.Config, error) {
	return config.LoadOrCreate(configPath, nil)
}

// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// serverURL returns the base URL of the running service, from --server or
// the config file's listen address.
func serverURL(cmd *cobra.Command) (string, error) {
	if flag, _ := cmd.Flags().GetString("server"); flag != "" {
		return flag, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.ListenAddr, nil
}

// operatorToken returns the token for the operator endpoints, from
// --token or the config file.
func operatorToken(cmd *cobra.Command) string {
	if flag, _ := cmd.Flags().GetString("token"); flag != "" {
		return flag
	}
	cfg, err := loadConfig()
	if err != nil {
		return ""
	}
	return cfg.Server.OperatorToken
}

// apiGet fetches path from the running service and pretty-prints the JSON
// response body.
func apiGet(cmd *cobra.Command, path string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	if token := operatorToken(cmd); token != "" {
		req.Header.Set("X-Clauselight-Operator-Token", token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s: %s", path, resp.Status, body)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		out = body
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect analysis tasks on a running service",
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task's registry entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/tasks/"+args[0])
	},
}

var tasksHistoryCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Show a task's full state history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/tasks/"+args[0]+"/history")
	},
}

func init() {
	tasksCmd.PersistentFlags().String("server", "", "service base URL (default: from config)")
	tasksCmd.PersistentFlags().String("token", "", "operator token (default: from config)")
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksHistoryCmd)
}

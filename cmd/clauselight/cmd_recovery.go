// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Operate the task recovery queue on a running service",
}

var recoveryManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "List recovery entries awaiting operator intervention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiGet(cmd, "/v1/recovery/manual")
	},
}

var recoveryEnqueueCmd = &cobra.Command{
	Use:   "enqueue <task-id>",
	Short: "Schedule recovery of a task with an explicit method",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		base, err := serverURL(cmd)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(map[string]string{"method": method})
		if err != nil {
			return err
		}

		req, err := http.NewRequest(http.MethodPost, base+"/v1/recovery/tasks/"+args[0], bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if token := operatorToken(cmd); token != "" {
			req.Header.Set("X-Clauselight-Operator-Token", token)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("enqueue recovery: %s: %s", resp.Status, body)
		}
		fmt.Fprintln(os.Stdout, string(body))
		return nil
	},
}

func init() {
	recoveryCmd.PersistentFlags().String("server", "", "service base URL (default: from config)")
	recoveryCmd.PersistentFlags().String("token", "", "operator token (default: from config)")
	recoveryEnqueueCmd.Flags().String("method", "resume_checkpoint",
		"recovery method: resume_checkpoint, restart_clean, validate_only, manual_intervention")
	recoveryCmd.AddCommand(recoveryManualCmd)
	recoveryCmd.AddCommand(recoveryEnqueueCmd)
}

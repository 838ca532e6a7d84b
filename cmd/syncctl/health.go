package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health and readiness",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := newClient()

	var healthResp map[string]any
	if err := client.getJSON("/healthz", &healthResp); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	var readyResp map[string]any
	if err := client.getJSON("/readyz", &readyResp); err != nil {
		// Readiness failure is not fatal; the server might still be starting.
		readyResp = map[string]any{"status": "unknown", "error": err.Error()}
	}

	if structured() {
		return printOutput(map[string]any{
			"health":    healthResp,
			"readiness": readyResp,
		})
	}

	status, _ := healthResp["status"].(string)
	uptime, _ := healthResp["uptime"].(string)
	ready, _ := readyResp["status"].(string)

	rows := [][]string{
		{"Liveness", status},
		{"Uptime", uptime},
		{"Readiness", ready},
	}
	if components, ok := readyResp["components"].(map[string]any); ok {
		if db, ok := components["database"].(map[string]any); ok {
			s, _ := db["status"].(string)
			rows = append(rows, []string{"Database", s})
		}
		if jobs, ok := components["jobs"].(map[string]any); ok {
			rows = append(rows, []string{"Scheduled jobs", fmt.Sprint(jobs["scheduled"])})
		}
	}

	printTable([]string{"Check", "Status"}, rows)
	return nil
}

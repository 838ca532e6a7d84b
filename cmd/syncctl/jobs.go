package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/kubeflow/datasync/pkg/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and trigger scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs known to the server's reconciler",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Fire a scheduled job once, outside its cron schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

var jobsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconcile tick now",
	Args:  cobra.NoArgs,
	RunE:  runJobsReconcile,
}

func init() {
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsRunCmd, jobsReconcileCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	var resp jobListResponse
	if err := newClient().getJSON("/api/v1/jobs", &resp); err != nil {
		return err
	}
	if structured() {
		return printOutput(resp)
	}

	rows := make([][]string, len(resp.Jobs))
	for i, j := range resp.Jobs {
		rows[i] = jobRow(j)
	}
	printTable(jobHeaders, rows)
	if resp.LastReconciled != "" {
		fmt.Fprintf(stdout, "\nnode %s, last reconciled %s\n", resp.Address, resp.LastReconciled)
	}
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	var j jobs.JobStatus
	if err := newClient().getJSON("/api/v1/jobs/"+url.PathEscape(args[0]), &j); err != nil {
		return err
	}
	if structured() {
		return printOutput(j)
	}
	printTable(jobHeaders, [][]string{jobRow(j)})
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	var resp triggerResponse
	if err := newClient().postJSON("/api/v1/jobs/"+url.PathEscape(args[0])+":run", nil, &resp); err != nil {
		return fmt.Errorf("run %q failed: %w", args[0], err)
	}
	if structured() {
		return printOutput(resp)
	}
	fmt.Fprintf(stdout, "job %q %s\n", args[0], resp.Status)
	return nil
}

func runJobsReconcile(cmd *cobra.Command, args []string) error {
	var resp reconcileResponse
	if err := newClient().postJSON("/api/v1/jobs/reconcile", nil, &resp); err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	if structured() {
		return printOutput(resp)
	}

	rows := make([][]string, 0, len(resp.Items)+len(resp.Removed))
	for _, it := range resp.Items {
		rows = append(rows, []string{it.Name, it.Result, truncate(it.Error, 60)})
	}
	for _, key := range resp.Removed {
		rows = append(rows, []string{key, "removed", ""})
	}
	printTable([]string{"Name", "Result", "Error"}, rows)
	return nil
}

var jobHeaders = []string{"Name", "Enabled", "Owned", "Scheduled", "Cron", "Target", "Fingerprint"}

func jobRow(j jobs.JobStatus) []string {
	return []string{
		j.Name,
		yesNo(j.Enabled),
		yesNo(j.Owned),
		yesNo(j.Scheduled),
		j.Cron,
		truncate(j.Target, 30),
		truncate(j.Fingerprint, 12),
	}
}

package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeflow/datasync/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded admin actions",
	Long: `List the audit trail of manifest applies, reconcile ticks, and job, sync,
and planning runs, newest first.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

var auditFilter struct {
	actor     string
	resource  string
	action    string
	outcome   string
	pageSize  int
	pageToken string
}

func init() {
	f := auditCmd.Flags()
	f.StringVar(&auditFilter.actor, "actor", "", "Only events by this actor")
	f.StringVar(&auditFilter.resource, "resource", "", "Only events on this resource (manifest, jobs, specs, sync)")
	f.StringVar(&auditFilter.action, "action", "", "Only events with this action (apply, run, plan, reconcile, backfill)")
	f.StringVar(&auditFilter.outcome, "outcome", "", "Only events with this outcome (success, failure, denied)")
	f.IntVar(&auditFilter.pageSize, "page-size", 20, "Events per page (max 100)")
	f.StringVar(&auditFilter.pageToken, "page-token", "", "Token from a previous page")

	rootCmd.AddCommand(auditCmd)
}

type auditListResponse struct {
	Events        []audit.Event `json:"events"`
	NextPageToken string        `json:"nextPageToken"`
	TotalSize     int64         `json:"totalSize"`
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	for k, v := range map[string]string{
		"actor":     auditFilter.actor,
		"resource":  auditFilter.resource,
		"action":    auditFilter.action,
		"outcome":   auditFilter.outcome,
		"pageToken": auditFilter.pageToken,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if auditFilter.pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(auditFilter.pageSize))
	}

	var resp auditListResponse
	if err := newClient().getJSON("/api/v1/audit/events?"+q.Encode(), &resp); err != nil {
		return err
	}
	if structured() {
		return printOutput(resp)
	}

	rows := make([][]string, len(resp.Events))
	for i, e := range resp.Events {
		target := e.Resource
		if e.ResourceID != "" {
			target += "/" + e.ResourceID
		}
		rows[i] = []string{
			e.CreatedAt.UTC().Format(time.DateTime),
			e.Actor,
			e.Action,
			target,
			e.Outcome,
			strconv.Itoa(e.StatusCode),
		}
	}
	printTable([]string{"Time", "Actor", "Action", "Target", "Outcome", "Status"}, rows)
	if resp.NextPageToken != "" {
		fmt.Fprintf(stdout, "\n%d of %d shown; next page: --page-token %s\n", len(resp.Events), resp.TotalSize, resp.NextPageToken)
	}
	return nil
}

package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var specsCmd = &cobra.Command{
	Use:     "specs",
	Aliases: []string{"spec"},
	Short:   "Inspect sync specs and trigger planning or sync runs",
}

var specsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync specs with their window counts",
	Args:  cobra.NoArgs,
	RunE:  runSpecsList,
}

var specsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one sync spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecsGet,
}

var specsPlanCmd = &cobra.Command{
	Use:   "plan <id>",
	Short: "Plan windows for one spec now, even if it is disabled",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecsPlan,
}

var specsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Start a sync run for one spec in the background",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecsRun,
}

var windowsCmd = &cobra.Command{
	Use:   "windows <spec-id>",
	Short: "List the windows of a sync spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runWindows,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run one backfill planning pass over every enabled spec",
	Args:  cobra.NoArgs,
	RunE:  runBackfill,
}

var (
	windowsPending bool
	windowsDone    bool
	windowsLimit   int
)

func init() {
	specsCmd.AddCommand(specsListCmd, specsGetCmd, specsPlanCmd, specsRunCmd)

	windowsCmd.Flags().BoolVar(&windowsPending, "pending", false, "Only pending windows")
	windowsCmd.Flags().BoolVar(&windowsDone, "completed", false, "Only completed windows")
	windowsCmd.Flags().IntVar(&windowsLimit, "limit", 0, "Max windows to list (server default 100)")
	windowsCmd.MarkFlagsMutuallyExclusive("pending", "completed")
}

func runSpecsList(cmd *cobra.Command, args []string) error {
	var resp specListResponse
	if err := newClient().getJSON("/api/v1/sync/specs", &resp); err != nil {
		return err
	}
	if structured() {
		return printOutput(resp)
	}
	rows := make([][]string, len(resp.Items))
	for i, s := range resp.Items {
		rows[i] = specRow(s)
	}
	printTable(specHeaders, rows)
	return nil
}

func runSpecsGet(cmd *cobra.Command, args []string) error {
	id, err := parseSpecID(args[0])
	if err != nil {
		return err
	}
	var s specItem
	if err := newClient().getJSON(fmt.Sprintf("/api/v1/sync/specs/%d", id), &s); err != nil {
		return err
	}
	if structured() {
		return printOutput(s)
	}
	printTable(specHeaders, [][]string{specRow(s)})
	return nil
}

func runSpecsPlan(cmd *cobra.Command, args []string) error {
	id, err := parseSpecID(args[0])
	if err != nil {
		return err
	}
	var resp planResponse
	if err := newClient().postJSON(fmt.Sprintf("/api/v1/sync/specs/%d:plan", id), nil, &resp); err != nil {
		return fmt.Errorf("plan spec %d failed: %w", id, err)
	}
	if structured() {
		return printOutput(resp)
	}
	fmt.Fprintf(stdout, "spec %d: %d windows planned\n", resp.SpecID, resp.Windows)
	return nil
}

func runSpecsRun(cmd *cobra.Command, args []string) error {
	id, err := parseSpecID(args[0])
	if err != nil {
		return err
	}
	var resp triggerResponse
	if err := newClient().postJSON(fmt.Sprintf("/api/v1/sync/specs/%d:run", id), nil, &resp); err != nil {
		return fmt.Errorf("run spec %d failed: %w", id, err)
	}
	if structured() {
		return printOutput(resp)
	}
	fmt.Fprintf(stdout, "spec %d sync %s\n", id, resp.Status)
	return nil
}

func runWindows(cmd *cobra.Command, args []string) error {
	id, err := parseSpecID(args[0])
	if err != nil {
		return err
	}
	q := url.Values{}
	switch {
	case windowsPending:
		q.Set("completed", "false")
	case windowsDone:
		q.Set("completed", "true")
	}
	if windowsLimit > 0 {
		q.Set("limit", strconv.Itoa(windowsLimit))
	}
	path := fmt.Sprintf("/api/v1/sync/specs/%d/windows", id)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp windowListResponse
	if err := newClient().getJSON(path, &resp); err != nil {
		return err
	}
	if structured() {
		return printOutput(resp)
	}
	rows := make([][]string, len(resp.Items))
	for i, w := range resp.Items {
		rows[i] = []string{
			strconv.FormatUint(uint64(w.ID), 10),
			w.StartTime.UTC().Format(time.DateTime),
			w.EndTime.UTC().Format(time.DateTime),
			yesNo(w.Completed),
			strconv.FormatInt(w.RecordCount, 10),
			w.SpendTime,
		}
	}
	printTable([]string{"ID", "Start", "End", "Completed", "Records", "Spent"}, rows)
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	var resp backfillResponse
	if err := newClient().postJSON("/api/v1/sync/backfill", nil, &resp); err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	if structured() {
		return printOutput(resp)
	}

	ids := make([]string, 0, len(resp.PerSpec))
	for id := range resp.PerSpec {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	rows := make([][]string, len(ids))
	for i, id := range ids {
		rows[i] = []string{id, strconv.Itoa(resp.PerSpec[id])}
	}
	printTable([]string{"Spec", "Windows"}, rows)
	fmt.Fprintf(stdout, "\n%d windows planned across %d specs\n", resp.Windows, resp.Specs)
	if resp.Error != "" {
		return fmt.Errorf("some specs failed: %s", resp.Error)
	}
	return nil
}

var specHeaders = []string{"ID", "Source", "Tenants", "Window", "Enabled", "Fired", "Windows", "Pending"}

func specRow(s specItem) []string {
	return []string{
		strconv.FormatUint(uint64(s.ID), 10),
		s.SourceType,
		truncate(strings.Join(s.TenantCodeList(), ","), 30),
		s.WindowSize().String(),
		yesNo(s.Enabled),
		yesNo(s.Fired),
		strconv.FormatInt(s.Windows, 10),
		strconv.FormatInt(s.PendingWindows, 10),
	}
}

func parseSpecID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid spec id %q", raw)
	}
	return uint(id), nil
}

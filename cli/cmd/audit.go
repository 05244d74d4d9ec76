package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Jaswanthnimmalla/SafeSphere-sub002/audit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditItemID        string
	auditActor         string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditSecurityOnly  bool
	auditDetails       bool
	auditExported      bool
	auditOutputFile    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit chain",
	Long: `Inspect and verify the vault's hash-chained audit log.

Every entry carries the hash of its predecessor, so any edit, removal or
reordering of persisted entries is detected by "audit verify".`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain and record signatures",
	Long: `Replay the audit chain from GENESIS and check every record signature.
The result of the chain check is itself appended to the chain.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query audit entries, newest first.

Examples:
  # Failed actions in the last 24 hours
  safesphere audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Key rotations
  safesphere audit query --action KEY_ROTATED

  # Entries mirrored to the export file instead of the vault chain
  safesphere audit query --exported --audit --audit-file /var/log/safesphere.log`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditCustodyCmd = &cobra.Command{
	Use:   "custody [item-id]",
	Short: "Show every action recorded against a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditCustody,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as JSON",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var auditResetCmd = &cobra.Command{
	Use:   "reset [reason]",
	Short: "Start a new audit chain",
	Long: `Discard the current audit chain and start a new one from GENESIS.
The first entry of the new chain records the reset and its reason.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditReset,
}

var auditStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether audit entries have been lost",
	Args:  cobra.NoArgs,
	RunE:  runAuditStatus,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditQueryCmd, auditCustodyCmd, auditStatsCmd, auditExportCmd, auditResetCmd, auditStatusCmd)

	pf := auditCmd.PersistentFlags()
	pf.BoolVar(&auditJsonOutput, "json", false, "output in JSON format")
	pf.StringVar(&auditSince, "since", "", "show entries since this time (RFC3339 format)")
	pf.StringVar(&auditUntil, "until", "", "show entries until this time (RFC3339 format)")
	pf.IntVar(&auditLimit, "limit", 100, "maximum number of entries to return")
	pf.IntVar(&auditOffset, "offset", 0, "number of entries to skip")
	pf.BoolVar(&auditDetails, "details", false, "show detailed entry information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditItemID, "item-id", "", "filter by record id")
	auditQueryCmd.Flags().StringVar(&auditActor, "actor", "", "filter by actor (USER, SYSTEM)")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "show only failed actions")
	auditQueryCmd.Flags().BoolVar(&auditSecurityOnly, "security-only", false, "show only security-critical actions")
	auditQueryCmd.Flags().BoolVar(&auditExported, "exported", false, "query the export sink instead of the vault chain")

	auditExportCmd.Flags().StringVarP(&auditOutputFile, "output", "o", "", "write to file instead of stdout")
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	finding, err := vaultSvc.VerifyAuditTrail(ctx)
	if err != nil {
		return fmt.Errorf("failed to read audit chain: %w", err)
	}
	bad := vaultSvc.VerifyRecords(ctx)

	if auditJsonOutput {
		return printJSON(map[string]interface{}{"chain": finding, "records": bad})
	}
	if finding.Valid {
		fmt.Printf("Audit chain: OK (%d entries)\n", finding.Verified)
	} else {
		fmt.Printf("Audit chain: BROKEN at entry %d (%s)\n", finding.Index, finding.EntryID)
		fmt.Printf("  Violation: %s\n", finding.Violation)
		fmt.Printf("  %s\n", finding.Message)
	}
	if len(bad) == 0 {
		fmt.Println("Record signatures: OK")
	} else {
		repos := make([]string, 0, len(bad))
		for name := range bad {
			repos = append(repos, name)
		}
		sort.Strings(repos)
		fmt.Println("Record signatures: FAILED")
		for _, name := range repos {
			fmt.Printf("  %s: %s\n", name, strings.Join(bad[name], ", "))
		}
	}
	if !finding.Valid || len(bad) > 0 {
		return fmt.Errorf("vault integrity check failed")
	}
	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	var res audit.QueryResult
	if auditExported {
		res, err = queryExported(options)
	} else {
		res, err = vaultSvc.Ledger().Query(cmd.Context(), options)
	}
	if err != nil {
		return fmt.Errorf("failed to query audit entries: %w", err)
	}

	if auditJsonOutput {
		return printJSON(res)
	}
	if err = displayAuditEntries(res.Entries); err != nil {
		return err
	}
	if res.HasMore {
		fmt.Printf("\nShowing %d of %d matching entries (use --offset to see more)\n", len(res.Entries), res.Filtered)
	}
	return nil
}

// queryExported reads back entries mirrored to the configured file sink
func queryExported(options audit.QueryOptions) (audit.QueryResult, error) {
	cfg := buildAuditConfig()
	if !cfg.Enabled || cfg.Type != audit.FileAuditType {
		return audit.QueryResult{}, fmt.Errorf("querying exported entries requires a file audit sink (--audit --audit-type file)")
	}
	sink, err := audit.NewFileSink(&cfg)
	if err != nil {
		return audit.QueryResult{}, err
	}
	defer sink.Close()
	return sink.Query(options)
}

func runAuditCustody(cmd *cobra.Command, args []string) error {
	entries, err := vaultSvc.Ledger().GetChainOfCustody(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to read chain of custody: %w", err)
	}
	if auditJsonOutput {
		return printJSON(entries)
	}
	return displayAuditEntries(entries)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit, options.Offset = 0, 0
	res, err := vaultSvc.Ledger().Query(cmd.Context(), options)
	if err != nil {
		return fmt.Errorf("failed to query audit entries: %w", err)
	}
	stats := calculateAuditStats(res.Entries, options)
	if auditJsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	res, err := vaultSvc.Ledger().Query(cmd.Context(), options)
	if err != nil {
		return fmt.Errorf("failed to query audit entries: %w", err)
	}

	export := map[string]interface{}{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"profile":     vaultSvc.Status().Profile,
		"total":       res.TotalCount,
		"entries":     res.Entries,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if auditOutputFile == "" {
		fmt.Println(string(data))
		return nil
	}
	if err = os.WriteFile(auditOutputFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Printf("Exported %d entries to %s\n", len(res.Entries), auditOutputFile)
	return nil
}

func runAuditReset(cmd *cobra.Command, args []string) error {
	reason := "manual reset"
	if len(args) == 1 {
		reason = args[0]
	}
	if !promptConfirmation("This discards the current audit chain. Continue?") {
		fmt.Println("Audit reset cancelled.")
		return nil
	}
	entry, err := vaultSvc.ResetAuditTrail(cmd.Context(), reason)
	if err != nil {
		return fmt.Errorf("failed to reset audit chain: %w", err)
	}
	fmt.Printf("Audit chain reset; new chain starts with %s (%s)\n", entry.ID, entry.Action)
	return nil
}

func runAuditStatus(cmd *cobra.Command, args []string) error {
	s := vaultSvc.AuditStatus()
	if auditJsonOutput {
		return printJSON(s)
	}
	if !s.Degraded {
		fmt.Println("Audit: healthy")
		return nil
	}
	fmt.Println("Audit: DEGRADED")
	fmt.Printf("  Missed entries: %d\n", s.Missed)
	fmt.Printf("  Since: %s\n", s.Since.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Last error: %s\n", s.LastError)
	return nil
}

func buildAuditConfig() audit.Config {
	return audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
			"network":   viper.GetString("audit.options.network"),
			"address":   viper.GetString("audit.options.address"),
			"tag":       viper.GetString("audit.options.tag"),
		},
	}
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:    auditLimit,
		Offset:   auditOffset,
		ItemID:   auditItemID,
		Actor:    strings.ToUpper(auditActor),
		Security: auditSecurityOnly,
	}

	if auditSince != "" {
		parsed, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsed
	}
	if auditUntil != "" {
		parsed, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsed
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}

	if auditAction != "" {
		action, err := audit.ParseAction(strings.ToUpper(auditAction))
		if err != nil {
			return options, err
		}
		options.Action = action
	}
	return options, nil
}

func displayAuditEntries(entries []audit.Entry) error {
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if auditDetails {
		for _, e := range entries {
			fmt.Fprintf(w, "Entry ID:\t%s\n", e.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", formatMillis(e.Timestamp))
			fmt.Fprintf(w, "Action:\t%s\n", e.Action)
			fmt.Fprintf(w, "Actor:\t%s\n", e.Actor)
			fmt.Fprintf(w, "Result:\t%s\n", e.Result)
			if e.ItemID != "" {
				fmt.Fprintf(w, "Item ID:\t%s\n", e.ItemID)
			}
			if e.Details != "" {
				fmt.Fprintf(w, "Details:\t%s\n", e.Details)
			}
			fmt.Fprintf(w, "Previous Hash:\t%s\n", e.PreviousHash)
			fmt.Fprintf(w, "Hash:\t%s\n", e.CurrentHash)
			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tACTOR\tSTATUS\tITEM\tDETAILS\n")
	for _, e := range entries {
		status := "SUCCESS"
		if !e.Succeeded() {
			status = "FAILED"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(e.Timestamp), e.Action, e.Actor, status, truncate(e.ItemID, 12), truncate(e.Details, 40))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarises a set of audit entries
type AuditStats struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	TimeRange        string         `json:"time_range"`
	TotalEntries     int            `json:"total_entries"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	SuccessRate      float64        `json:"success_rate"`
	ActionBreakdown  map[string]int `json:"action_breakdown"`
	ActorBreakdown   map[string]int `json:"actor_breakdown"`
	DailyHistogram   map[string]int `json:"daily_distribution"`
	TopFailedActions []ActionCount  `json:"top_failed_actions"`
	TopItems         []ItemCount    `json:"top_items"`
	FirstEvent       *time.Time     `json:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty"`
	SecurityEvents   int            `json:"security_events"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type ItemCount struct {
	ItemID string `json:"item_id"`
	Count  int    `json:"count"`
}

func calculateAuditStats(entries []audit.Entry, options audit.QueryOptions) AuditStats {
	stats := AuditStats{
		GeneratedAt:     time.Now().UTC(),
		TimeRange:       describeRange(options),
		TotalEntries:    len(entries),
		ActionBreakdown: make(map[string]int),
		ActorBreakdown:  make(map[string]int),
		DailyHistogram:  make(map[string]int),
	}

	failedActions := make(map[string]int)
	items := make(map[string]int)
	for _, e := range entries {
		ts := time.UnixMilli(e.Timestamp).UTC()
		if stats.FirstEvent == nil || ts.Before(*stats.FirstEvent) {
			stats.FirstEvent = &ts
		}
		if stats.LastEvent == nil || ts.After(*stats.LastEvent) {
			stats.LastEvent = &ts
		}

		stats.ActionBreakdown[string(e.Action)]++
		stats.ActorBreakdown[e.Actor]++
		stats.DailyHistogram[ts.Format("2006-01-02")]++
		if e.Succeeded() {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[string(e.Action)]++
		}
		if e.ItemID != "" {
			items[e.ItemID]++
		}
		if e.Action.SecurityCritical() {
			stats.SecurityEvents++
		}
	}
	if stats.TotalEntries > 0 {
		stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEntries) * 100
	}

	for _, kv := range topCounts(failedActions, 5) {
		stats.TopFailedActions = append(stats.TopFailedActions, ActionCount{Action: kv.key, Count: kv.count})
	}
	for _, kv := range topCounts(items, 5) {
		stats.TopItems = append(stats.TopItems, ItemCount{ItemID: kv.key, Count: kv.count})
	}
	return stats
}

func describeRange(options audit.QueryOptions) string {
	switch {
	case options.Since != nil && options.Until != nil:
		return fmt.Sprintf("%s to %s", options.Since.Format(time.RFC3339), options.Until.Format(time.RFC3339))
	case options.Since != nil:
		return "since " + options.Since.Format(time.RFC3339)
	case options.Until != nil:
		return "until " + options.Until.Format(time.RFC3339)
	default:
		return "all time"
	}
}

type keyCount struct {
	key   string
	count int
}

func topCounts(counts map[string]int, limit int) []keyCount {
	out := make([]keyCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, keyCount{k, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func displayAuditStats(stats AuditStats) error {
	fmt.Println("Audit Statistics")
	fmt.Println("================")
	fmt.Printf("Time Range: %s\n", stats.TimeRange)
	fmt.Printf("Total Entries: %d\n", stats.TotalEntries)
	fmt.Printf("Successful: %d\n", stats.SuccessfulEvents)
	fmt.Printf("Failed: %d\n", stats.FailedEvents)
	fmt.Printf("Success Rate: %.1f%%\n", stats.SuccessRate)
	fmt.Printf("Security Events: %d\n", stats.SecurityEvents)
	if stats.FirstEvent != nil {
		fmt.Printf("First Entry: %s\n", stats.FirstEvent.Format("2006-01-02 15:04:05"))
		fmt.Printf("Last Entry: %s\n", stats.LastEvent.Format("2006-01-02 15:04:05"))
	}

	printCounts("Actions", stats.ActionBreakdown)
	printCounts("Actors", stats.ActorBreakdown)

	if len(stats.TopFailedActions) > 0 {
		fmt.Println("\nTop Failed Actions:")
		for _, a := range stats.TopFailedActions {
			fmt.Printf("  %-20s %d\n", a.Action, a.Count)
		}
	}
	if len(stats.TopItems) > 0 {
		fmt.Println("\nMost Touched Records:")
		for _, it := range stats.TopItems {
			fmt.Printf("  %-40s %d\n", it.ItemID, it.Count)
		}
	}
	return nil
}

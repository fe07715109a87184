package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradedesk/internal/store"
)

// addLedgerCommands adds the store maintenance commands.
func addLedgerCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatsCmd(app))
	rootCmd.AddCommand(newFlushCmd(app))
	rootCmd.AddCommand(newArchiveCmd(app))
	rootCmd.AddCommand(newPruneCacheCmd(app))
	rootCmd.AddCommand(newRetentionCmd(app))
	rootCmd.AddCommand(newRepairCmd(app))
	rootCmd.AddCommand(newMigrateCmd(app))
}

func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts, engine and mirror state",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(stats)
			}
			displayStats(output, stats)
			return nil
		},
	}
}

func displayStats(output *Output, stats store.Stats) {
	output.Bold("Ledger")
	output.Printf("  Engine:          %s\n", stats.Engine)
	output.Printf("  Path:            %s\n", stats.Path)
	output.Printf("  Schema Version:  %d\n", stats.SchemaVersion)
	if stats.DiskFreeBytes > 0 {
		output.Printf("  Disk Free:       %s\n", FormatBytes(stats.DiskFreeBytes))
	}
	if stats.Adopted {
		output.Info("  Adopted from a previous install")
	}
	if stats.LastError != "" {
		output.Warning("  Last Error:      %s (%s)", TruncateString(stats.LastError, 80), FormatTimestampMs(stats.LastErrorAtMs))
	}
	output.Println()

	tables := make([]string, 0, len(stats.Counts))
	for name := range stats.Counts {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	table := NewTable(output, "TABLE", "ROWS")
	for _, name := range tables {
		table.AddRow(name, FormatCount(stats.Counts[name]))
	}
	table.Render()
	output.Println()

	m := stats.Mirror
	output.Bold("Mirror")
	if !m.Enabled {
		output.Dim("  disabled")
		return
	}
	output.Printf("  Path:            %s\n", m.Path)
	output.Printf("  Circuit:         %s\n", output.Status(m.Circuit == "" || m.Circuit == "CLOSED", strings.ToLower(m.Circuit)))
	output.Printf("  Dirty:           %v\n", m.Dirty)
	output.Printf("  Generation:      %d\n", m.Generation)
	output.Printf("  Last Write:      %s\n", FormatTimestampMs(m.LastWriteAtMs))
	if m.Failures > 0 {
		output.Printf("  Failures:        %s (%.1f%%, %s rejected)\n", FormatCount(m.Failures), m.FailureRate, FormatCount(m.Rejected))
	}
	if m.LastError != "" {
		output.Warning("  Last Error:      %s", TruncateString(m.LastError, 80))
	}
}

func newFlushCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Checkpoint the database and write the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			if err := ledger.Flush(cmd.Context()); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"flushed": true})
			}
			output.Success("Ledger flushed")
			return nil
		},
	}
}

func newArchiveCmd(app *App) *cobra.Command {
	var (
		olderThan     time.Duration
		keep          int
		kinds         []string
		includeLocked bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move stale agent memories to the archive",
		Long: `Move agent memories not updated within --older-than into the archive tier.
The most recent --keep rows of each kind and locked rows stay active.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !cmd.Flags().Changed("older-than") {
				olderThan = app.Config.Maintenance.ArchiveAfter
			}
			if !cmd.Flags().Changed("keep") {
				keep = app.Config.Maintenance.KeepRecentPerKind
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			opts := store.ArchiveOptions{
				CutoffMs:          time.Now().Add(-olderThan).UnixMilli(),
				KeepRecentPerKind: keep,
				IncludeLocked:     includeLocked,
			}
			for _, k := range kinds {
				kind, ok := store.ParseKind(k)
				if !ok {
					return fmt.Errorf("unknown kind %q", k)
				}
				opts.Kinds = append(opts.Kinds, kind)
			}

			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			res, err := ledger.ArchiveAgentMemories(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Success("Archived %s agent memories older than %s", FormatCount(int64(res.Archived)), FormatDuration(olderThan))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "archive rows not updated within this duration (default from config)")
	cmd.Flags().IntVar(&keep, "keep", 0, "keep this many recent rows per kind active (default from config)")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "restrict to these kinds")
	cmd.Flags().BoolVar(&includeLocked, "include-locked", false, "archive locked rows too")
	return cmd
}

func newPruneCacheCmd(app *App) *cobra.Command {
	var opts store.PruneCacheOptions
	cmd := &cobra.Command{
		Use:   "prune-cache",
		Short: "Purge expired and stale optimizer evaluations",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !cmd.Flags().Changed("engine-version") {
				opts.EngineVersion = app.Config.Maintenance.EngineVersion
			}
			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			res, err := ledger.PruneOptimizerEvalCache(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(res)
			}
			table := NewTable(output, "EXPIRED", "STALE", "TRIMMED", "REMAINING")
			table.AddRow(FormatCount(res.Expired), FormatCount(res.Stale), FormatCount(res.Trimmed), FormatCount(res.Remaining))
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.EngineVersion, "engine-version", "", "drop entries from any other engine version")
	cmd.Flags().IntVar(&opts.MaxEntries, "max-entries", 0, "trim to this many entries (default: configured cap)")
	return cmd
}

func newRetentionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Run the agent memory retention cascade",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			report, err := ledger.EnforceRetention(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}
			table := NewTable(output, "CEILING", "UNPROTECTED", "FLOOR", "EMERGENCY", "REMAINING")
			table.AddRow(
				FormatCount(report.Ceiling),
				FormatCount(report.Unprotected),
				FormatCount(report.Floor),
				FormatCount(report.Emergency),
				FormatCount(report.Remaining),
			)
			table.Render()
			if report.OverCap {
				output.Warning("Agent memory is still over cap: protected rows exceed the limit")
			}
			return nil
		},
	}
}

func newRepairCmd(app *App) *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Run or inspect the one-time legacy repair jobs",
		Long: `Run the legacy repair jobs (kind reclassification, signal history backfill,
case canonicalization). Each job runs at most once per store; completed jobs
are reported as skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			var summaries []store.RepairSummary
			if statusOnly {
				summaries, err = ledger.RepairStatuses(cmd.Context())
			} else {
				summaries, err = ledger.RunRepairs(cmd.Context())
			}
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(summaries)
			}
			table := NewTable(output, "JOB", "SCANNED", "REPAIRED", "COMPLETED")
			for _, s := range summaries {
				completed := FormatTimestampMs(s.CompletedAtMs)
				if s.Skipped {
					completed += " (skipped)"
				}
				table.AddRow(s.Job, FormatCount(int64(s.Scanned)), FormatCount(int64(s.Repaired)), completed)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "show completion markers without running jobs")
	return cmd
}

func newMigrateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ledger, err := app.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			if err := ledger.MigrateToLatest(cmd.Context()); err != nil {
				return err
			}
			version, err := ledger.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"schemaVersion": version})
			}
			output.Success("Schema is at version %d", version)
			return nil
		},
	}
}

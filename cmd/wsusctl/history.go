package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zph/wsusctl/pkg/history"
	"github.com/zph/wsusctl/pkg/operation"
)

var (
	historyLimit      int
	historyTranscript bool
	historyPruneDays  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past operations",
	Long: `Every operation is journaled with its outcome and a full transcript of
its progress output. Entries older than logging.retentionDays are pruned
automatically after each operation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyListCmd.RunE(cmd, args)
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(func(ctx context.Context, j *history.Journal) error {
			entries, err := j.List(ctx, historyLimit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No operations recorded yet.")
				return nil
			}
			out := newPrinter()
			fmt.Printf("%-8s  %-19s  %-20s  %-10s  %s\n", "ID", "STARTED", "OPERATION", "DURATION", "OUTCOME")
			for _, e := range entries {
				out.linef("%-8s  %-19s  %-20s  %-10s  %s", shortID(e.ID), e.Started.Local().Format("2006-01-02 15:04:05"),
					e.Name, formatDuration(e), out.outcome(e.Outcome))
			}
			return nil
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one operation, optionally with its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(func(ctx context.Context, j *history.Journal) error {
			e, err := j.Get(ctx, args[0])
			if errors.Is(err, history.ErrNotFound) {
				return fmt.Errorf("no operation matches %q", args[0])
			}
			if err != nil {
				return err
			}
			out := newPrinter()
			var b strings.Builder
			fmt.Fprintf(&b, "Operation:  %s\n", e.Name)
			fmt.Fprintf(&b, "ID:         %s\n", e.ID)
			fmt.Fprintf(&b, "Started:    %s (%s)\n", e.Started.Local().Format(time.RFC1123), humanize.Time(e.Started))
			fmt.Fprintf(&b, "Duration:   %s\n", formatDuration(e))
			fmt.Fprintf(&b, "Outcome:    %s\n", e.Outcome)
			fmt.Fprintf(&b, "Lines:      %d\n", e.Lines)
			fmt.Fprintf(&b, "Transcript: %s", e.Transcript)
			out.box(b.String())

			if !historyTranscript {
				return nil
			}
			text, err := history.ReadTranscript(e.Transcript)
			if err != nil {
				return err
			}
			fmt.Println()
			for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
				out.line(line)
			}
			return nil
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete journal entries and transcripts older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, layout, err := loadState()
		if err != nil {
			return err
		}
		days := historyPruneDays
		if days <= 0 {
			days = cfg.Logging.RetentionDays
		}
		ctx := context.Background()
		j, err := history.OpenJournal(ctx, layout.HistoryDB(), layout.TranscriptPath)
		if err != nil {
			return err
		}
		defer j.Close()

		expired, err := j.Prune(ctx, time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		removed := history.RemoveTranscripts(expired)
		fmt.Printf("Pruned %d entries and %d transcripts older than %d days.\n", len(expired), removed, days)
		return nil
	},
}

func withJournal(fn func(ctx context.Context, j *history.Journal) error) error {
	_, layout, err := loadState()
	if err != nil {
		return err
	}
	ctx := context.Background()
	j, err := history.OpenJournal(ctx, layout.HistoryDB(), layout.TranscriptPath)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(ctx, j)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(e history.Entry) string {
	if e.Outcome == history.OutcomeRunning {
		return "-"
	}
	return e.Duration().Round(time.Second).String()
}

// outcome colors the outcome column on a terminal.
func (p *printer) outcome(o operation.Outcome) string {
	if !p.styled {
		return string(o)
	}
	switch o {
	case operation.OutcomeSucceeded:
		return styles.OK.Render(string(o))
	case history.OutcomeRunning, operation.OutcomeCancelled, operation.OutcomeRejected:
		return styles.Warn.Render(string(o))
	}
	return styles.Error.Render(string(o))
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd)

	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to list")
	historyShowCmd.Flags().BoolVarP(&historyTranscript, "transcript", "t", false, "Print the full transcript")
	historyPruneCmd.Flags().IntVar(&historyPruneDays, "days", 0, "Retention in days (default: logging.retentionDays)")
}

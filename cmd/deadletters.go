package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"castellan/core"

	"github.com/spf13/cobra"
)

func newDeadLettersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and purge dead-lettered events",
	}
	cmd.AddCommand(newDeadLettersListCmd(opts))
	cmd.AddCommand(newDeadLettersShowCmd(opts))
	cmd.AddCommand(newDeadLettersPurgeCmd(opts))
	return cmd
}

func newDeadLettersListCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead letters, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			stores, err := openStorage(ctx, cfg, cliLogger())
			if err != nil {
				return err
			}
			defer stores.Close()

			letters, err := stores.DeadLetters.List(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			total, err := stores.DeadLetters.Count(ctx)
			if err != nil {
				return fmt.Errorf("failed to count dead letters: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				if letters == nil {
					letters = []core.DeadLetter{}
				}
				return outputAsJSON(out, letters)
			}
			renderDeadLetters(out, letters, total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of dead letters to show")
	return cmd
}

func newDeadLettersShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead letter with its event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			stores, err := openStorage(ctx, cfg, cliLogger())
			if err != nil {
				return err
			}
			defer stores.Close()

			dl, err := stores.DeadLetters.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get dead letter: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return outputAsJSON(out, dl)
			}
			headerColor.Fprintf(out, "Dead letter %s\n", dl.ID)
			printField(out, "Reason", dl.Reason)
			printField(out, "Dead-lettered", dl.DeadLetteredAt.Format(time.RFC3339))
			if qe := dl.Event; qe != nil {
				printField(out, "Priority", qe.Priority)
				printField(out, "Retries", qe.RetryCount)
				printField(out, "Last error", qe.LastError)
				if ev := qe.Event; ev != nil {
					printField(out, "Event ID", ev.ID)
					printField(out, "Source", ev.Source)
					printField(out, "Event type", ev.EventType)
					printField(out, "Timestamp", ev.Timestamp.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

func newDeadLettersPurgeCmd(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters",
		Long:  "Delete every dead letter, or only those older than --older-than.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than cannot be negative")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			stores, err := openStorage(ctx, cfg, cliLogger())
			if err != nil {
				return err
			}
			defer stores.Close()

			var removed int64
			if olderThan > 0 {
				removed, err = stores.DeadLetters.PurgeBefore(ctx, time.Now().Add(-olderThan))
			} else {
				var n int
				n, err = stores.DeadLetters.Purge(ctx)
				removed = int64(n)
			}
			if err != nil {
				return fmt.Errorf("failed to purge dead letters: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return outputAsJSON(out, map[string]int64{"removed": removed})
			}
			if !opts.quiet {
				successColor.Fprintf(out, "✓ Purged %d dead letters\n", removed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only purge dead letters older than this (e.g. 72h)")
	return cmd
}

// renderDeadLetters displays dead letters in a table
func renderDeadLetters(w io.Writer, letters []core.DeadLetter, total int) {
	if len(letters) == 0 {
		warningColor.Fprintln(w, "No dead letters")
		return
	}

	headerColor.Fprintf(w, "DEAD LETTERS (%d of %d)\n", len(letters), total)
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-38s %-20s %-8s %-12s %s\n", "Event ID", "Type", "Retries", "When", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, dl := range letters {
		var eventID, eventType string
		var retries int
		if dl.Event != nil {
			eventID = dl.Event.EventID()
			retries = dl.Event.RetryCount
			if dl.Event.Event != nil {
				eventType = dl.Event.Event.EventType
			}
		}
		fmt.Fprintf(w, "%-38s %-20s %-8d %-12s %s\n",
			truncate(eventID, 38), truncate(eventType, 20), retries, formatTimeSince(dl.DeadLetteredAt), dl.Reason)
	}
	headerColor.Fprintln(w, strings.Repeat("=", 100))
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"castellan/core"

	"github.com/spf13/cobra"
)

func newCorrelationsCmd(opts *options) *cobra.Command {
	var (
		ruleID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "correlations",
		Short: "List persisted correlations, newest first",
		Args:  cobra.NoArgs,
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

			list, err := stores.Correlations.ListCorrelations(ctx, ruleID, limit)
			if err != nil {
				return fmt.Errorf("failed to list correlations: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				if list == nil {
					list = []core.EventCorrelation{}
				}
				return outputAsJSON(out, list)
			}
			renderCorrelations(out, list)
			return nil
		},
	}

	cmd.Flags().StringVar(&ruleID, "rule", "", "Only show correlations of this rule")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of correlations to show")
	return cmd
}

func renderCorrelations(w io.Writer, list []core.EventCorrelation) {
	if len(list) == 0 {
		warningColor.Fprintln(w, "No correlations")
		return
	}

	headerColor.Fprintln(w, "CORRELATIONS")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-18s %-22s %-13s %-6s %-7s %-28s %s\n", "ID", "Rule", "Type", "Score", "Events", "Entity", "Detected")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, c := range list {
		fmt.Fprintf(w, "%-18s %-22s %-13s %-6.2f %-7d %-28s %s\n",
			truncate(c.ID, 18), truncate(c.RuleID, 22), c.Type, c.Score, len(c.EventIDs),
			truncate(c.EntityKey, 28), formatTimeSince(c.DetectedAt))
	}
	headerColor.Fprintln(w, strings.Repeat("=", 110))
}

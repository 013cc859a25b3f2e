package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"castellan/core"
	"castellan/correlation"

	"github.com/spf13/cobra"
)

// maxRulesFileSize bounds rule files read by the CLI
const maxRulesFileSize = 10 * 1024 * 1024

func newRulesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and inspect correlation rules",
	}
	cmd.AddCommand(newRulesValidateCmd(opts))
	cmd.AddCommand(newRulesListCmd(opts))
	return cmd
}

// ruleReport is the JSON result of rules validate
type ruleReport struct {
	File   string   `json:"file"`
	Rules  int      `json:"rules"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func newRulesValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a YAML rules file without loading it",
		Long: `Parse a rules file and check every rule the way the coordinator would
when loading it, including duplicate ids and regex conditions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("failed to read rules file: %w", err)
			}
			if info.Size() > maxRulesFileSize {
				return fmt.Errorf("rules file too large: %d bytes (max %d)", info.Size(), maxRulesFileSize)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read rules file: %w", err)
			}

			report := ruleReport{File: path}
			rules, err := correlation.ParseRules(data)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
			} else {
				report.Rules = len(rules)
				for _, e := range correlation.ValidateRules(rules) {
					report.Errors = append(report.Errors, e.Error())
				}
			}
			report.Valid = len(report.Errors) == 0

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				if err := outputAsJSON(out, report); err != nil {
					return err
				}
			} else {
				renderRuleReport(out, report, opts.quiet)
			}
			if !report.Valid {
				return fmt.Errorf("%s: %d invalid rule(s)", path, len(report.Errors))
			}
			return nil
		},
	}
}

func newRulesListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List rules persisted by the coordinator",
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

			rules, err := stores.Correlations.LoadRules(ctx)
			if err != nil {
				return fmt.Errorf("failed to load rules: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				if rules == nil {
					rules = []core.CorrelationRule{}
				}
				return outputAsJSON(out, rules)
			}
			renderRules(out, rules)
			return nil
		},
	}
}

func renderRuleReport(w io.Writer, r ruleReport, quiet bool) {
	if r.Valid {
		if !quiet {
			successColor.Fprintf(w, "✓ %s: %d rule(s) valid\n", r.File, r.Rules)
		}
		return
	}
	errorColor.Fprintf(w, "✗ %s: %d problem(s)\n", r.File, len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}

func renderRules(w io.Writer, rules []core.CorrelationRule) {
	if len(rules) == 0 {
		warningColor.Fprintln(w, "No rules persisted")
		return
	}

	headerColor.Fprintln(w, "CORRELATION RULES")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-24s %-30s %-13s %-8s %-10s %-8s\n", "ID", "Name", "Type", "Enabled", "Window", "Version")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range rules {
		enabled := "No"
		if r.Enabled {
			enabled = "Yes"
		}
		fmt.Fprintf(w, "%-24s %-30s %-13s %-8s %-10s %-8d\n",
			truncate(r.ID, 24), truncate(r.Name, 30), r.Type, enabled, r.Window, r.Version)
	}
	headerColor.Fprintln(w, strings.Repeat("=", 100))
}

// Package cmd provides the command-line interface of the Castellan coordinator.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"castellan/bootstrap"
	"castellan/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// defaultTimeout bounds offline CLI operations
const defaultTimeout = 2 * time.Minute

// options holds the persistent flags
type options struct {
	configFile string
	outputJSON bool
	noColor    bool
	quiet      bool
}

// NewRootCmd creates the castellan command. Without a subcommand it runs the
// coordinator.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "castellan",
		Short: "Coordinate security pipeline instances",
		Long: `Castellan coordinates a fleet of security event pipeline instances.

It queues inbound events by priority, balances them across healthy instances,
keeps shared state consistent between coordinators and correlates events into
attack patterns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "Suppress non-essential output")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newDeadLettersCmd(opts))
	root.AddCommand(newRulesCmd(opts))
	root.AddCommand(newStateCmd(opts))
	root.AddCommand(newCorrelationsCmd(opts))

	return root
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long:  "Start the coordinator and serve the HTTP API until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe initializes and starts the coordinator.
func runServe(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.NewApp(ctx, opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown(ctx)
	app.Shutdown()
	return nil
}

// loadConfig reads the configuration the coordinator would use
func loadConfig(opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadConfigFile(opts.configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// cliLogger logs warnings and errors only, so command output stays readable
func cliLogger() *zap.SugaredLogger {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	zcfg.OutputPaths = []string{"stderr"}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// openStorage opens the coordinator's SQLite database for offline commands
func openStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*bootstrap.StorageComponents, error) {
	dirs := bootstrap.DataDirectoriesFromConfig(cfg)
	if err := bootstrap.EnsureDataDirectories(dirs, sugar); err != nil {
		return nil, err
	}
	sqlite, err := bootstrap.InitSQLite(dirs, sugar)
	if err != nil {
		return nil, err
	}
	stores, err := bootstrap.InitStorage(ctx, sqlite, sugar)
	if err != nil {
		sqlite.Close()
		return nil, err
	}
	return stores, nil
}

// outputAsJSON writes v as indented JSON
func outputAsJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printField prints an aligned label and value
func printField(w io.Writer, label string, value interface{}) {
	infoColor.Fprintf(w, "  %-16s", label+":")
	fmt.Fprintf(w, " %v\n", value)
}

// formatTimeSince renders a past time relative to now
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"castellan/bootstrap"
	"castellan/config"
	"castellan/state"

	"github.com/spf13/cobra"
)

func newStateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read shared state",
		Long: `Read shared state from the configured backend. With the memory backend the
entries persisted to SQLite are shown, which is what a restarted coordinator
would load.`,
	}
	cmd.AddCommand(newStateGetCmd(opts))
	cmd.AddCommand(newStateKeysCmd(opts))
	return cmd
}

// openState opens the configured state backend read side. The returned func
// releases it.
func openState(ctx context.Context, cfg *config.Config) (state.Store, func(), error) {
	sugar := cliLogger()
	if cfg.State.Backend == config.StateBackendRedis {
		store, err := state.NewRedisStore(ctx, cfg.State.Redis, sugar)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return store, func() { store.Close() }, nil
	}

	stores, err := openStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, nil, err
	}
	store, err := bootstrap.InitState(ctx, cfg, stores, sugar)
	if err != nil {
		stores.Close()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		stores.Close()
	}, nil
}

func newStateGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show one entry with its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, closeStore, err := openState(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			entry, err := store.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get %s: %w", args[0], err)
			}
			var value interface{}
			if err := entry.Decode(&value); err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				view := map[string]interface{}{
					"key":         entry.Key,
					"value":       value,
					"version":     entry.Version,
					"modified_by": entry.ModifiedBy,
					"modified_at": entry.ModifiedAt,
				}
				if !entry.ExpiresAt.IsZero() {
					view["expires_at"] = entry.ExpiresAt
				}
				return outputAsJSON(out, view)
			}
			renderEntry(out, entry, value)
			return nil
		},
	}
}

func newStateKeysCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List keys matching a glob pattern (default *)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "*"
			if len(args) == 1 {
				pattern = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, closeStore, err := openState(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			keys, err := store.GetKeys(ctx, pattern)
			if err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			if keys == nil {
				keys = []string{}
			}
			sort.Strings(keys)

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return outputAsJSON(out, keys)
			}
			if len(keys) == 0 {
				warningColor.Fprintf(out, "No keys match %s\n", pattern)
				return nil
			}
			for _, k := range keys {
				fmt.Fprintln(out, k)
			}
			return nil
		},
	}
}

func renderEntry(w io.Writer, e *state.Entry, value interface{}) {
	headerColor.Fprintf(w, "%s\n", e.Key)
	printField(w, "Value", value)
	printField(w, "Version", e.Version)
	printField(w, "Modified by", e.ModifiedBy)
	printField(w, "Modified", e.ModifiedAt.Format(time.RFC3339))
	if !e.ExpiresAt.IsZero() {
		printField(w, "Expires", e.ExpiresAt.Format(time.RFC3339))
	}
}

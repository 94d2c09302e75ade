package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-fit-flow/internal/queue"
	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/config"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one pipeline pass and print its result",
	Long: `Pull new workouts, score them, enqueue their cloud writes and drain the
retry queue once. Exits non-zero when any part of the pass failed; the
printed result still shows what was done.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, serviceName)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		res, runErr := a.pipeline.Run(ctx)
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		return runErr
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local progress, level and retry queue state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, serviceName)
		ctx := context.Background()

		store, err := openLocal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := readStatus(ctx, store)
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		renderStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move failed queue items back to pending with a fresh attempt budget",
	Long: `Reset every FAILED queue item to PENDING. Steps that already succeeded are
not repeated. The items are written on the next pass ("fitflow sync" or the
next background window).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, serviceName)
		ctx := context.Background()

		store, err := openLocal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := queue.New(store, nil, queue.WithMaxAttempts(cfg.MaxAttempts)).RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) moved back to pending\n", n)
		return nil
	},
}

var (
	statusJSON bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete local sync, progress, unlock and queue state",
	Long: `Delete the sync anchor, processed workout set, unlock flags and records,
progress totals and the retry queue. The next pass is an initial sync again
and replays history silently. The install date and notification preferences
are kept. Cloud documents are not touched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !resetYes {
			return errors.New("refusing to reset without --yes")
		}
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, serviceName)
		ctx := context.Background()

		store, err := openLocal(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := resetState(ctx, store)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d key(s)\n", n)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of tables")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

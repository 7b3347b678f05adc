package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/lockfile"
	"github.com/Zverik/RevertUI/internal/osmapi"
	"github.com/Zverik/RevertUI/internal/revert"
	"github.com/Zverik/RevertUI/internal/store"
	"github.com/Zverik/RevertUI/internal/worker"
)

func newWorkerCmd(cfg *config.Config) *cobra.Command {
	var stealAfter time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process one queued revert task (run from cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			if cfg.DBPath == "" {
				return fmt.Errorf("db path is required")
			}

			logger := slog.Default().With("component", "worker")

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			guard := lockfile.New(cfg.LockPath)
			if stealAfter > 0 {
				stolen, err := guard.Steal(stealAfter)
				if err != nil {
					return fmt.Errorf("steal lock: %w", err)
				}
				if stolen {
					logger.Warn("removed a stale worker lock", "path", guard.Path(), "older_than", stealAfter)
				}
			}

			processor := worker.NewProcessor(
				st,
				revert.NewClient(cfg.APIEndpoint),
				osmapi.New(cfg.APIEndpoint),
				cfg,
				logger,
			)
			runner := worker.NewRunner(st, guard, processor, cfg.StuckAfterDuration(), logger)
			return runner.RunOnce(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&stealAfter, "steal", 0, "remove a leftover lock file older than this before starting")

	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zverik/RevertUI/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "revertui",
		Short: "RevertUI queues and executes OpenStreetMap changeset reverts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newWorkerCmd(cfg),
		newListCmd(cfg, &jsonOutput),
		newExportCmd(cfg, &jsonOutput),
		newConfigCmd(cfg),
	)

	return cmd
}

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/server"
	"github.com/Zverik/RevertUI/internal/store"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "srv",
		Short: "Run the RevertUI web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.Default().With("component", "server")

			addr := listen
			if addr == "" {
				var err error
				if addr, err = server.ListenAddr(cfg.BaseURL); err != nil {
					return err
				}
			}

			logger.Info("opening database", "path", cfg.DBPath)
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			srv, err := server.New(addr, st, cfg, logger)
			if err != nil {
				return err
			}
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: derived from base_url)")

	return cmd
}

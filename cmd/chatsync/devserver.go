package main

import (
	"github.com/spf13/cobra"

	"github.com/rentglass/chatsync/internal/devserver"
	"github.com/rentglass/chatsync/internal/log"
)

func newDevServerCmd() *cobra.Command {
	var (
		addr   string
		secret string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the in-memory development messaging backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			if level == "" {
				level = "info"
			}
			logger := log.New(level)

			srv := devserver.New(secret, logger)
			logger.Info().Str("addr", addr).Msg("starting dev backend")
			return srv.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&secret, "secret", "dev-secret", "token signing secret")
	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gim/server"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show connections and online users of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := server.SendControl(a.cfg.ControlSocket, "stats")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), stats)
			return err
		},
	}
}

func newShutdownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Gracefully stop a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reply, err := server.SendControl(a.cfg.ControlSocket, "shutdown")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
			return err
		},
	}
}

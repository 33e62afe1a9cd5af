// Package cli wires configuration, logging and the server and client packages
// into the gim command.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gim/config"
	"gim/logger"
)

func Execute() error {
	return newRootCmd().Execute()
}

// app is filled in before any subcommand runs.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "gim",
		Short:         "gim: a small instant messaging server and client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				a.v.SetConfigFile(path)
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New(os.Stderr, cfg.LogLevel)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a gim.toml config file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("control-socket", "", "path of the server control socket")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("control_socket", flags.Lookup("control-socket"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newStatsCmd(a),
		newShutdownCmd(a),
		newChatCmd(a),
	)
	return rootCmd
}

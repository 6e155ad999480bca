package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dremian/simlink/config"
	"github.com/dremian/simlink/internal/util"
	"github.com/dremian/simlink/internal/version"
)

var (
	configFile string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "simlink",
		Short: "Drone simulator relay and client",
		Long: `simlink relays JSON messages between one drone simulator and any number of clients over websockets.
It also ships client commands for watching telemetry and sending controls through a running relay.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.Load(configFile); err != nil {
					return err
				}
			}
			util.InitLoggerTo(os.Stderr, config.GetLogLevel())
			// Libraries logging through the standard log package end up in slog.
			util.SetupGlobalLogger()
			if f := config.ConfigFile(); f != "" {
				util.GetLogger().Debug("Using config file", "path", f)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Info()
				fmt.Printf("simlink version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: ./config.yaml, $XDG_CONFIG_HOME/simlink/config.yaml, /etc/simlink/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	config.BindFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(NewRelayCommand())
	rootCmd.AddCommand(NewMonitorCommand())
	rootCmd.AddCommand(NewControlCommand())
	rootCmd.AddCommand(NewPositionCommand())
	rootCmd.AddCommand(NewCameraCommand())
	rootCmd.AddCommand(NewCameraParamsCommand())
	rootCmd.AddCommand(NewVersionCommand())
}

// Package cmd assembles the easwatch command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/easwatch/easwatch/cmd/decode"
	"github.com/easwatch/easwatch/cmd/devices"
	"github.com/easwatch/easwatch/cmd/monitor"
	"github.com/easwatch/easwatch/internal/buildinfo"
	"github.com/easwatch/easwatch/internal/conf"
	"github.com/easwatch/easwatch/internal/logging"
)

// RootCommand creates and returns the root command. Settings are
// loaded in the persistent pre-run, after flags are parsed, so an
// explicit --config path is honored; the shared settings struct is
// filled in place because subcommands capture the pointer when they
// are constructed.
func RootCommand() *cobra.Command {
	settings := &conf.Settings{}

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "easwatch",
		Short: "easwatch SAME/EAS broadcast monitor",
		Long: "easwatch watches broadcast audio sources around the clock,\n" +
			"keeps the best source on the air through automatic failover\n" +
			"and decodes SAME/EAS alert bursts as they arrive.",
		Version:      buildinfo.Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to the OS config directories)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug output")

	rootCmd.AddCommand(
		monitor.Command(settings),
		decode.Command(),
		devices.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Offline tools run without a configuration file so they never
		// create one as a side effect.
		switch cmd.Name() {
		case "devices", "decode":
			return nil
		}

		if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
			return err
		}
		if configPath != "" {
			conf.SetConfigFile(configPath)
		}

		loaded, err := conf.Load()
		if err != nil {
			return err
		}
		loaded.Version = buildinfo.Version
		loaded.BuildDate = buildinfo.BuildDate
		*settings = *loaded

		closer, err := logging.InitFromConfig(&settings.Main.Log, settings.Debug)
		if err != nil {
			return err
		}
		cobra.OnFinalize(func() { _ = closer() })
		return nil
	}

	return rootCmd
}

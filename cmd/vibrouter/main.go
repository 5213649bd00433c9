package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vibrouter/router/internal/config"
)

var version = "dev"

// options are the flags that do not map onto a config key.
type options struct {
	configDir string
	attachPid int
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "vibrouter",
		Short: "Route game controller rumble to intimate haptics devices",
		Long: `vibrouter attaches to a running game, receives the rumble it sends to
its controller and drives the vibrators of a Buttplug device server with it.

Commands are read from stdin; type help once it is running.`,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configDir, "config", "c", ".", "directory containing "+config.FileName)
	flags.IntVarP(&opts.attachPid, "attach", "p", 0, "attach to this process id on start")
	flags.String("server", "", "device server websocket URL")
	flags.Float64("multiplier", 1, "initial sample multiplier")
	flags.Float64("baseline", 0, "initial minimum speed (0..1)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	// Flags override the config file only when set on the command line.
	_ = viper.BindPFlag("server.url", flags.Lookup("server"))
	_ = viper.BindPFlag("router.multiplier", flags.Lookup("multiplier"))
	_ = viper.BindPFlag("router.baseline", flags.Lookup("baseline"))
	_ = viper.BindPFlag("logLevel", flags.Lookup("log-level"))

	return cmd
}

func main() {
	if err := fang.Execute(context.Background(), newRootCommand()); err != nil {
		os.Exit(1)
	}
}

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/dloopz/internal/dloopz"
)

const (
	configFlag   = "config"
	logLevelFlag = "logLevel"
)

var defaultConfigPath = "./config/dloopz"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dloopz",
		Short:        "dloopz runs job generators against a pool of workers and reports queueing statistics",
		SilenceUsage: true,
	}
	addConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		runCmd(dloopz.New()),
		configCmd(),
	)
	return cmd
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringSlice(configFlag, nil, "Config files merged over the defaults in "+defaultConfigPath+", in order")
	flags.String(logLevelFlag, "", "Overrides the configured log level")
}

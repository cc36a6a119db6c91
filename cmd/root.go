package cmd

import (
	"github.com/crytic/forkdb/logging"
	"github.com/crytic/forkdb/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cmdLogger is the logger for every CLI command.
var cmdLogger = logging.GlobalLogger.NewSubLogger("module", "cmd")

var rootCmd = &cobra.Command{
	Use:     "forkdb",
	Short:   "Query a remote chain pinned at a single block",
	Long:    "forkdb reads accounts, code, storage and headers of a remote chain through a block-pinned fork database",
	Version: version.GetInfo().Short(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// commands log to the console until a fork configuration says otherwise
		logging.GlobalLogger.SetLevel(zerolog.InfoLevel)
		logging.GlobalLogger.EnableConsole()
	},
}

// Execute runs the root command, which dispatches to every subcommand.
func Execute() error {
	return rootCmd.Execute()
}

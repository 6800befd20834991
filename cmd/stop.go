package cmd

import (
	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the switch daemon",
	Long: `Stop the switch daemon.

SIGTERM is sent to the process recorded in daemon.pid_file. The switch
closes its ports, stops its bridges and removes the PID file. A stale
PID file is removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(newDaemon(), cmd.OutOrStdout())
	},
}

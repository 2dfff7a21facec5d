// Command wsoctl is the operator-facing control client for the wsod
// daemon: start and stop the daemon process, inspect fleet state, resize
// the fleet, and run a one-off connectivity probe.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wsoctl",
	Short: "Control client for the wsod VM fleet autoscaler",
	Long: `wsoctl talks to a running wsod daemon over its TCP control socket.

The daemon is configured through environment variables (IMAGE_PATH,
WORKDIR, SERVER_HOST, SERVER_PORT, ...); wsoctl reads the same variables
to find the control socket and the PID file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(probeCmd)
}

// Package main implements gompminer, the CPU pool miner.
// It runs the mining manager and edits its persisted settings.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gompminer",
	Short: "CPU pool miner with failover between pools",
	Long: `gompminer mines on a list of stratum pools. It keeps one pool active
and switches to the next available one by failover order or at random when
the active pool goes down.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level in settings commands")
}

func main() {
	Execute()
}

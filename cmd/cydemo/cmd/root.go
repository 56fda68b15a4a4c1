// Package cmd implements the cydemo command-line harness: a thin cobra
// wrapper that starts one pkg/cy node over the udploop transport,
// publishes its heartbeat gossip, and optionally subscribes to a topic
// and prints whatever arrives. Not part of the core; a harness for
// manually exercising it.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const usage = `cydemo runs one node of a cy gossip-based pub/sub mesh over UDP.

EXAMPLES:
  Start a seed node listening on :9900 with no peers:
    cydemo run --listen :9900

  Start a second node that gossips with the first:
    cydemo run --listen :9901 --peer localhost:9900 --topic /demo/chat`

var rootCmd = &cobra.Command{
	Use:   "cydemo",
	Short: "run a node of a cy gossip-based pub/sub mesh",
	Long:  usage,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// Execute runs the cydemo root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

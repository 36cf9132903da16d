// Command meshcored runs a single mesh node: it loads a node identity and
// configuration, accepts and dials peer links, and keeps the queue,
// topology, and sync machinery running until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshcored",
	Short: "Offline-first mesh messaging node daemon",
	Long: `meshcored runs one node of the mesh transport: it holds a durable
offline message queue, a routing topology view, spam/duplicate
suppression, and one encrypted session per connected peer link.

Commands are registered in their own files:
  - keygen.go: keygen command
  - run.go:    run command`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshcored: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

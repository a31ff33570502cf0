// Command churnctl is the operator CLI: score metrics by hand, check a flow
// settings file, run the risk batch once, issue API keys and
// migrate the schema.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "churnctl",
		Short:         "Churnshield operator tools",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(scoreCmd())
	root.AddCommand(explainCmd())
	root.AddCommand(flowCmd())
	root.AddCommand(runCmd())
	root.AddCommand(keysCmd())
	root.AddCommand(migrateCmd())

	return root
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "codingctl",
		Short:         "Command-line client for the codingd board daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `codingctl talks to a running codingd over its REST API.

Environment:
  CODING_API_URL   API base URL (default: http://127.0.0.1:7420)
  CODING_API_KEY   API key for authentication`,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.AddCommand(
		newHealthCommand(),
		newTicketsCommand(),
		newRunCommand(),
		newPRDCommand(),
		newLogsCommand(),
		newWatchCommand(),
		newConfigCommand(),
	)
	return cmd
}

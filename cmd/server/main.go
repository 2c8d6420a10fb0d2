package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake",
		Short: "Participant intake service",
		Long: `intake registers participants, runs the SMS survey, serves the
token-gated Step-B form and sends scheduled reminders.

Run without a subcommand to start the HTTP server.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(nudgeOnceCmd())
	rootCmd.AddCommand(sendSMSCmd())
	rootCmd.AddCommand(checkDBCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

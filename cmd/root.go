package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether mirrors Jira issues into GitHub",
	Long: `Tether is a webhook-driven service that mirrors Jira issues into GitHub.
It listens for Jira webhook deliveries and reconciles each one into the
configured GitHub repository: creating issues, updating them, syncing
comments and re-hosting attachments.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

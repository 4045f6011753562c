package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/github"
)

// statusCmd reports what the engine has synchronized so far.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show synchronization status of the destination repository",
	Long: `This command lists the issues carrying the provenance label in the
configured GitHub repository and summarizes their states.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		githubClient, err := github.NewClient(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize GitHub client: %w", err)
		}

		issues, err := githubClient.ListSyncedIssues(context.Background(), cfg.GitHub.Repository, cfg.Sync.ProvenanceLabel)
		if err != nil {
			return fmt.Errorf("failed to list synchronized issues: %w", err)
		}

		open, closed := 0, 0
		for _, issue := range issues {
			if issue.State == "closed" {
				closed++
			} else {
				open++
			}
		}

		fmt.Printf("Repository '%s' (label '%s'):\n", cfg.GitHub.Repository, cfg.Sync.ProvenanceLabel)
		fmt.Printf("- Synchronized issues: %d\n", len(issues))
		fmt.Printf("- Open: %d\n", open)
		fmt.Printf("- Closed: %d\n", closed)

		return nil
	},
}

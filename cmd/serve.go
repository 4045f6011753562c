package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tethersync/tether/internal/attach"
	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/github"
	"github.com/tethersync/tether/internal/jira"
	"github.com/tethersync/tether/internal/logging"
	"github.com/tethersync/tether/internal/server"
	"github.com/tethersync/tether/internal/sync"
)

// serveCmd starts the webhook listener.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener",
	Long: `Start the HTTP listener that receives Jira webhook deliveries and
synchronizes them into the configured GitHub repository.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		githubClient, err := github.NewClient(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize GitHub client: %w", err)
		}

		// Jira credentials are optional: without them the engine still
		// synchronizes issues, but attachments stay on their source URLs
		// and custom fields are not rendered.
		var rehoster sync.Rehoster
		var fields sync.FieldResolver
		jiraClient, err := jira.NewClient(cfg)
		if err != nil {
			logging.Warn("jira client unavailable, attachment re-hosting and field resolution disabled", "error", err)
		} else {
			rehoster = attach.NewRehoster(jiraClient, githubClient, cfg.Sync.ReleaseTag)
			fields = jira.NewFieldResolver(jiraClient)
		}

		if cfg.Webhook.Secret == "" {
			logging.Warn("no webhook secret configured, signature validation disabled")
		}

		engine := sync.NewEngine(githubClient, rehoster, fields, cfg)
		return server.New(engine, cfg.Webhook.Port).ListenAndServe()
	},
}

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/store"
	"github.com/soyeahso/agentsync/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agentsync paths and a configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agentsync %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Fprintf(out, "Config:    %s\n", paths.Config)
			fmt.Fprintf(out, "Data:      %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:      %s\n", paths.Logs)
			fmt.Fprintln(out)

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:    not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:    error loading: %v\n", err)
				return nil
			}

			fmt.Fprintf(out, "Gateway:   port=%d bind=%s auth=%s\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)
			fmt.Fprintf(out, "Transport: kind=%s url=%s room=%s\n",
				cfg.Transport.Kind, cfg.Transport.URL, cfg.Transport.Room)

			identity := cfg.Identity.ID
			if identity == "" {
				identity = "(generated per run)"
			}
			fmt.Fprintf(out, "Identity:  %s\n", identity)
			fmt.Fprintf(out, "Agent:     identity=%s id=%s name=%q\n",
				cfg.Agent.Identity, cfg.Agent.ID, cfg.Agent.Name)
			fmt.Fprintf(out, "Topics:    config=%s chat=%s transcription=%s\n",
				cfg.Topics.Config, cfg.Topics.Chat, cfg.Topics.Transcription)
			fmt.Fprintf(out, "Sync:      ackTimeout=%s retries=%d policy=%s\n",
				cfg.Sync.AckTimeout(), cfg.Sync.MaxRetries, cfg.Sync.DraftPolicy)
			fmt.Fprintf(out, "Models:    %s\n", strings.Join(cfg.Models, ", "))

			dbPath := paths.StorePath(cfg.Store)
			if _, err := os.Stat(dbPath); err != nil {
				fmt.Fprintf(out, "Store:     %s (not created)\n", dbPath)
			} else if db, err := store.Open(dbPath, log); err != nil {
				fmt.Fprintf(out, "Store:     %s (error: %v)\n", dbPath, err)
			} else {
				agents, err := store.NewAgentStore(db).List(cmd.Context())
				db.Close()
				if err != nil {
					fmt.Fprintf(out, "Store:     %s (error: %v)\n", dbPath, err)
				} else {
					fmt.Fprintf(out, "Store:     %s (%d agents)\n", dbPath, len(agents))
				}
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

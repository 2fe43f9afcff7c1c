package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/soyeahso/agentsync/internal/authority"
	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/store"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and edit stored agents",
	}

	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentShowCmd())
	cmd.AddCommand(newAgentSeedCmd())
	cmd.AddCommand(newAgentSetCmd())
	cmd.AddCommand(newAgentHistoryCmd())
	return cmd
}

// openAgents opens the authority database named by the config file.
func openAgents() (*store.AgentStore, config.Config, func(), error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	db, err := store.Open(paths.StorePath(cfg.Store), log)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("opening database: %w", err)
	}
	return store.NewAgentStore(db), cfg, func() { db.Close() }, nil
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, _, done, err := openAgents()
			if err != nil {
				return err
			}
			defer done()

			all, err := agents.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(all) == 0 {
				fmt.Fprintln(out, "  (no agents stored)")
				return nil
			}
			for _, a := range all {
				fmt.Fprintf(out, "  %-16s %-20s model=%s\n", a.Config.AgentID, a.Config.AgentName, orDash(a.Config.ModelType))
			}
			return nil
		},
	}
}

func newAgentShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one stored agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, _, done, err := openAgents()
			if err != nil {
				return err
			}
			defer done()

			a, err := agents.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(a.Config)
			}
			printAgent(cmd.OutOrStdout(), a)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the config payload as JSON")
	return cmd
}

func newAgentSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.jsonc>",
		Short: "Store agents from a JSONC file, replacing records with the same id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := authority.LoadSeed(args[0])
			if err != nil {
				return err
			}
			agents, _, done, err := openAgents()
			if err != nil {
				return err
			}
			defer done()

			if err := authority.Seed(cmd.Context(), agents, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d agent(s)\n", len(seed))
			return nil
		},
	}
}

func newAgentSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <agent-id> <field> <value>",
		Short: "Apply a one-field patch to a stored agent",
		Long: "Apply a one-field patch directly to the database. A running authority " +
			"publishes the change with the next patch or when a participant joins.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, err := domain.ParseFieldKey(args[1])
			if err != nil {
				return err
			}
			value, err := field.ParseValue(args[2])
			if err != nil {
				return err
			}

			agents, cfg, done, err := openAgents()
			if err != nil {
				return err
			}
			defer done()

			patch := domain.ConfigPatch{AgentID: args[0], Field: field, Value: value}
			merged, created, err := agents.ApplyPatch(cmd.Context(), patch,
				authority.DefaultsFrom(cfg.Agent.Defaults), store.PatchMeta{Sender: "cli"})
			if err != nil {
				return err
			}
			verb := "Updated"
			if created {
				verb = "Created"
			}
			v, _ := merged.Get(field)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s = %v\n", verb, merged.AgentID, field, v)
			return nil
		},
	}
}

func newAgentHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Show patches applied to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, _, done, err := openAgents()
			if err != nil {
				return err
			}
			defer done()

			records, err := agents.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-18s %-20v from=%s\n",
					r.AppliedAt.Format("2006-01-02 15:04:05"), r.Field, r.Value, orDash(&r.Sender))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "most recent patches to show (0 for all)")
	return cmd
}

func printAgent(out io.Writer, a store.Agent) {
	fmt.Fprintf(out, "Agent: %s (%s)\n", a.Config.AgentID, a.Config.AgentName)
	fmt.Fprintf(out, "  Platform: %s\n", a.Platform)
	for _, field := range domain.Fields {
		v, ok := a.Config.Get(field)
		text := "-"
		if ok {
			text = formatValue(v)
		}
		fmt.Fprintf(out, "  %-20s %s\n", field+":", text)
	}
	fmt.Fprintf(out, "  Updated: %s\n", a.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/agentsync/internal/authority"
	"github.com/soyeahso/agentsync/internal/gateway"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newAuthorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Run the agent-side configuration authority",
	}

	cmd.AddCommand(newAuthorityRunCmd())
	return cmd
}

func newAuthorityRunCmd() *cobra.Command {
	var seedPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the room as the agent and apply configuration patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			db, err := store.Open(paths.StorePath(cfg.Store), log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			agents := store.NewAgentStore(db)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if seedPath != "" {
				seed, err := authority.LoadSeed(seedPath)
				if err != nil {
					return err
				}
				if err := authority.Seed(ctx, agents, seed); err != nil {
					return err
				}
				log.Info().Int("agents", len(seed)).Str("file", seedPath).Msg("seeded agents")
			}

			hookMgr := hooks.NewManager(log)
			hookMgr.OnAll("log", logHook)

			g, gctx := errgroup.WithContext(ctx)
			tr, err := connect(gctx, g, cfg, cfg.Agent.Identity, cfg.Agent.Name, gateway.ModeAuthority)
			if err != nil {
				return err
			}
			defer tr.Close()

			svc := authority.New(tr, agents, authority.ConfigFrom(cfg), log, authority.WithHooks(hookMgr))
			g.Go(func() error { return svc.Run(gctx) })
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return nil
				case <-tr.Done():
					return fmt.Errorf("relay connection lost: %w", tr.room.Err())
				}
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&seedPath, "seed", "", "JSONC file of agents to store before starting")
	return cmd
}

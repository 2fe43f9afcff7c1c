package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/soyeahso/agentsync/internal/gateway"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to the room as a client",
	}

	cmd.AddCommand(newClientRunCmd())
	return cmd
}

func newClientRunCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open an interactive session: view and edit the agent configuration, chat, follow the timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			cfg.Identity.ID, cfg.Identity.Name = clientIdentity(identity, cfg.Identity)
			scfg, err := session.ConfigFrom(cfg)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(sigCtx)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			tr, err := connect(gctx, g, cfg, cfg.Identity.ID, cfg.Identity.Name, gateway.ModeClient)
			if err != nil {
				return err
			}
			defer tr.Close()

			hookMgr := hooks.NewManager(log)
			hookMgr.OnAll("log", logHook)
			hookMgr.On(hooks.EventPatchUnacknowledged, "warn", func(_ context.Context, p hooks.Payload) error {
				fmt.Fprintf(cmd.ErrOrStderr(), "! %v was not acknowledged by the agent\n", p.Data["field"])
				return nil
			})

			s := session.New(tr, scfg, log, session.WithHooks(hookMgr))
			g.Go(func() error {
				err := s.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				defer cancel()
				return runREPL(gctx, s, os.Stdin, cmd.OutOrStdout())
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "room identity (default identity.id, else generated)")
	return cmd
}

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/gateway"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/spf13/cobra"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the relay gateway",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			// Raw config backs config.get / config.set over RPC
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			hookMgr := hooks.NewManager(log)
			hookMgr.OnAll("log", logHook)

			srv := gateway.New(cfg, log,
				gateway.WithConfigRaw(raw),
				gateway.WithHooks(hookMgr),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom, tailnet)")

	return cmd
}

// logHook records every hook event at debug level; with --log-level debug
// it traces the sync lifecycle.
func logHook(_ context.Context, p hooks.Payload) error {
	ev := log.Debug().Str("event", p.Event)
	for k, v := range p.Data {
		ev = ev.Interface(k, v)
	}
	ev.Msg("hook")
	return nil
}

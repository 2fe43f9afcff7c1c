package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/gateway"
	"github.com/soyeahso/agentsync/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send one-off messages to the room",
	}

	cmd.AddCommand(newMessageSendCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		identity   string
		transcript bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Join the room, publish a chat message (or transcription) and leave",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")

			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			id, name := clientIdentity(identity, cfg.Identity)

			sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(sigCtx, timeout)
			defer cancel()

			var g errgroup.Group
			tr, err := connect(ctx, &g, cfg, id, name, gateway.ModeClient)
			if err != nil {
				return err
			}
			defer tr.Close()

			codec := envelope.New()
			pkt := transport.Packet{Reliable: true}
			if transcript {
				pkt.Topic = cfg.Topics.Transcription
				pkt.Reliable = false
				pkt.Payload, err = codec.EncodeTranscript(message)
			} else {
				pkt.Topic = cfg.Topics.Chat
				pkt.Payload, _, err = codec.EncodeText(message)
			}
			if err != nil {
				return err
			}

			if err := tr.Send(ctx, pkt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "[sent as %s on %s]\n", id, pkt.Topic)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "room identity (default identity.id, else generated)")
	cmd.Flags().BoolVar(&transcript, "transcript", false, "publish as a transcription instead of chat")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up connecting after this long")

	return cmd
}

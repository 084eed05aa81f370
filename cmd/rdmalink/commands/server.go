package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/bench"
	"github.com/piwi3910/rdmalink/internal/config"
)

type messageFlags struct {
	mode    string
	message string
	size    int
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", modeSendRecv, "Exchange mode: write or sendrecv")
	cmd.Flags().IntVar(&f.size, "size", defaultMessageSize, "Registered buffer size in bytes")
}

func (f *messageFlags) validate(transportName string) error {
	if f.size <= noticeSize {
		return fmt.Errorf("%w: --size must exceed %d bytes", errMessageTooLarge, noticeSize)
	}

	return parseMode(f.mode, transportName)
}

func newServerCmd(g *globals) *cobra.Command {
	f := &messageFlags{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept one peer and receive a message",
		Long: `Listen on the control port, connect the first peer that arrives and wait for
its message.

In sendrecv mode the message arrives as a SEND into a posted receive and the
server answers with a confirmation. In write mode the client places the
message directly into the server's buffer with an RDMA WRITE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			if err := f.validate(cfg.Transport); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cmd, cfg, f)
		},
	}

	f.register(cmd)

	return cmd
}

func runServer(ctx context.Context, cmd *cobra.Command, cfg *config.Config, f *messageFlags) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Server listening on %s ...\n", cfg.Control.Endpoint())

	p, err := openPeer(ctx, cfg, bench.RoleServer, f.size)
	if err != nil {
		return err
	}

	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Session teardown reported errors")
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Server ready. Waiting for %s ...\n", f.mode)

	msg, err := p.serveMessage(f.mode)
	if err != nil {
		return cancelled(ctx, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server received: %s (bytes=%d)\n", msg, len(msg))

	return nil
}

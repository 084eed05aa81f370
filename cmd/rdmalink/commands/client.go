package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/bench"
)

func newClientCmd(g *globals) *cobra.Command {
	f := &messageFlags{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a server and deliver a message",
		Example: `  rdmalink client --address 10.0.0.1 --mode write --message "hello"
  rdmalink client --address 10.0.0.1 --transport tcp`,
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

			p, err := openPeer(ctx, cfg, bench.RoleClient, f.size)
			if err != nil {
				return err
			}

			defer func() {
				if err := p.Close(); err != nil {
					log.Warn().Err(err).Msg("Session teardown reported errors")
				}
			}()

			reply, err := p.sendMessage(f.mode, f.message)
			if err != nil {
				return cancelled(ctx, err)
			}

			out := cmd.OutOrStdout()
			if f.mode == modeWrite {
				fmt.Fprintf(out, "WRITE completed. bytes=%d\n", len(f.message))
				return nil
			}

			fmt.Fprintf(out, "SEND completed. bytes=%d\n", len(f.message))
			fmt.Fprintf(out, "Received confirmation from server: %s (bytes=%d)\n", reply, len(reply))

			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&f.message, "message", defaultMessage, "Message to deliver")

	return cmd
}

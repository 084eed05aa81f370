package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/bench"
)

var errUnknownRole = fmt.Errorf("%w: role must be %s or %s", bench.ErrInvalidConfig, bench.RoleServer, bench.RoleClient)

func newBenchCmd(g *globals) *cobra.Command {
	var (
		role string
		bc   bench.Config
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure two-sided bandwidth between two peers",
		Long: `Run a bandwidth test. The client streams its buffer to the server once per
round, in chunks, and waits for an ACK. Warmup rounds are not timed. The
server reports its own measurement back at the end.`,
		Example: `  rdmalink bench --role server --buffer-size 1073741824
  rdmalink bench --role client --address 10.0.0.1 --iterations 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("buffer-size") {
				cfg.Bench.BufferSize = bc.BufferSize
			}

			if flags.Changed("chunk-size") {
				cfg.Bench.ChunkSize = bc.ChunkSize
			}

			if flags.Changed("iterations") {
				cfg.Bench.Iterations = bc.Iterations
			}

			if flags.Changed("warmup") {
				cfg.Bench.Warmup = bc.Warmup
			}

			if role != bench.RoleServer && role != bench.RoleClient {
				return errUnknownRole
			}

			if err := cfg.Bench.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := openPeer(ctx, cfg, role, cfg.Bench.BufferSize)
			if err != nil {
				return err
			}

			defer func() {
				if err := p.Close(); err != nil {
					log.Warn().Err(err).Msg("Session teardown reported errors")
				}
			}()

			res, err := p.runBench(ctx, role, cfg.Bench)
			if err != nil {
				return cancelled(ctx, err)
			}

			printResult(cmd.OutOrStdout(), res)

			return nil
		},
	}

	defaults := bench.DefaultConfig()
	cmd.Flags().StringVar(&role, "role", bench.RoleServer, "Role: server or client")
	cmd.Flags().IntVar(&bc.BufferSize, "buffer-size", defaults.BufferSize, "Bytes streamed per round")
	cmd.Flags().IntVar(&bc.ChunkSize, "chunk-size", defaults.ChunkSize, "Bytes per send, capped to the buffer")
	cmd.Flags().IntVar(&bc.Iterations, "iterations", defaults.Iterations, "Timed rounds")
	cmd.Flags().IntVar(&bc.Warmup, "warmup", defaults.Warmup, "Untimed rounds before timing starts")

	return cmd
}

func (p *peer) runBench(ctx context.Context, role string, cfg bench.Config) (*bench.Result, error) {
	runner, err := bench.NewRunner(p.comm, p.buf, cfg, p.cfg.Transport)
	if err != nil {
		return nil, err
	}

	if role == bench.RoleClient {
		return runner.Client(ctx)
	}

	return runner.Server(ctx)
}

func printResult(w io.Writer, res *bench.Result) {
	fmt.Fprintf(w, "%s %s: %d bytes in %s\n", res.Transport, res.Role, res.Bytes, res.Elapsed)
	fmt.Fprintf(w, "  bandwidth: %.2f Mbps (%.2f Gbps)\n", res.Mbps, res.Gbps())

	if res.Role == bench.RoleClient {
		fmt.Fprintf(w, "  server measured: %.2f Mbps\n", res.PeerMbps)
	}
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmalink/internal/bench"
	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/control"
	"github.com/piwi3910/rdmalink/internal/transport"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

var errSelftestMismatch = errors.New("selftest: payload mismatch")

// selftestBench keeps the in-process bandwidth run short.
var selftestBench = bench.Config{
	BufferSize: 1 << 20,
	ChunkSize:  64 << 10,
	Iterations: 8,
	Warmup:     2,
}

func newSelftestCmd(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run both peers in-process against the simulated fabric",
		Long: `Connect two peers inside this process over a loopback control channel and a
private simulated fabric, then exercise SEND/RECV, RDMA WRITE, RDMA READ and
a short bandwidth run over RDMA and TCP. No hardware is touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return runSelftest(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")

	return cmd
}

type selftestStep struct {
	name      string
	transport string
	run       func(ctx context.Context, server, client *peer) error
}

func runSelftest(ctx context.Context, out io.Writer, base *config.Config) error {
	steps := []selftestStep{
		{"sendrecv", transport.NameRDMA, selftestSendRecv},
		{"write", transport.NameRDMA, selftestWrite},
		{"read", transport.NameRDMA, selftestRead},
		{"bench", transport.NameRDMA, selftestBandwidth},
		{"sendrecv", transport.NameTCP, selftestSendRecv},
		{"bench", transport.NameTCP, selftestBandwidth},
	}

	for _, step := range steps {
		start := time.Now()

		if err := runSelftestStep(ctx, base, step); err != nil {
			fmt.Fprintf(out, "FAIL  %-4s %-9s %v\n", step.transport, step.name, err)
			return err
		}

		fmt.Fprintf(out, "ok    %-4s %-9s %s\n", step.transport, step.name, time.Since(start).Round(time.Microsecond))
	}

	return nil
}

func runSelftestStep(ctx context.Context, base *config.Config, step selftestStep) error {
	serverCtrl, clientCtrl, err := control.Loopback(ctx)
	if err != nil {
		return err
	}

	fabric := rdma.NewSimulatedFabric()

	peers := [2]*peer{}
	conns := [2]net.Conn{serverCtrl, clientCtrl}
	cfgs := [2]*config.Config{
		selftestConfig(base, step.transport, "mlx5_0"),
		selftestConfig(base, step.transport, "mlx5_1"),
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := range peers {
		i := i
		g.Go(func() error {
			var provider rdma.VerbsProvider

			if step.transport == transport.NameRDMA {
				sim := rdma.NewSimulatedVerbsProviderOn(fabric)
				if err := sim.Init(); err != nil {
					return err
				}

				provider = sim
			}

			p, err := newPeer(gctx, cfgs[i], conns[i], provider, selftestBench.BufferSize)
			if err != nil {
				return err
			}

			peers[i] = p

			return nil
		})
	}

	err = g.Wait()

	defer func() {
		for i, p := range peers {
			if p == nil {
				_ = conns[i].Close()
				continue
			}

			if err := p.Close(); err != nil {
				log.Debug().Err(err).Msg("Selftest teardown")
			}
		}
	}()

	if err != nil {
		return err
	}

	for _, p := range peers {
		p.watch(ctx)
	}

	return step.run(ctx, peers[0], peers[1])
}

func selftestConfig(base *config.Config, transportName, device string) *config.Config {
	cfg := *base
	cfg.Transport = transportName
	cfg.Metrics.Enabled = false
	cfg.RDMA.DeviceName = device
	cfg.RDMA.Simulated = true
	cfg.RDMA.GIDIndex = 0
	cfg.RDMA.PollTimeout = 5 * time.Second

	return &cfg
}

func selftestSendRecv(_ context.Context, server, client *peer) error {
	const msg = "Hello from the selftest client."

	var (
		received string
		reply    string
	)

	var g errgroup.Group

	g.Go(func() (err error) {
		received, err = server.serveMessage(modeSendRecv)
		return err
	})
	g.Go(func() (err error) {
		reply, err = client.sendMessage(modeSendRecv, msg)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if received != msg || reply != confirmation {
		return fmt.Errorf("%w: got %q, reply %q", errSelftestMismatch, received, reply)
	}

	return nil
}

func selftestWrite(_ context.Context, server, client *peer) error {
	const msg = "Hello RDMA WRITE from the selftest client."

	var received string

	var g errgroup.Group

	g.Go(func() (err error) {
		received, err = server.serveMessage(modeWrite)
		return err
	})
	g.Go(func() error {
		_, err := client.sendMessage(modeWrite, msg)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if received != msg {
		return fmt.Errorf("%w: got %q", errSelftestMismatch, received)
	}

	return nil
}

// selftestRead pulls a pattern out of the server's buffer with RDMA READ. The
// server does nothing; one-sided reads need no cooperation.
func selftestRead(_ context.Context, server, client *peer) error {
	const pattern = "one-sided read pattern"

	copy(server.buf[1024:], pattern)

	local := client.buf[:len(pattern)]
	if err := client.rdma.ReadFromPeer(local, 1024); err != nil {
		return err
	}

	if string(local) != pattern {
		return fmt.Errorf("%w: read %q", errSelftestMismatch, local)
	}

	return nil
}

func selftestBandwidth(ctx context.Context, server, client *peer) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := server.runBench(gctx, bench.RoleServer, selftestBench)
		return err
	})
	g.Go(func() error {
		_, err := client.runBench(gctx, bench.RoleClient, selftestBench)
		return err
	})

	return g.Wait()
}

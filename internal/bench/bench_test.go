package bench

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmalink/internal/testutil"
	"github.com/piwi3910/rdmalink/internal/transport"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
	"github.com/piwi3910/rdmalink/internal/transport/tcp"
)

func smallConfig() Config {
	return Config{
		BufferSize: 4096,
		ChunkSize:  1024,
		Iterations: 5,
		Warmup:     2,
	}
}

func rdmaPair(t *testing.T, size int) (server, client *rdma.Conn, serverBuf, clientBuf []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ca, cb := testutil.ControlPair(t)

	fabric := rdma.NewSimulatedFabric()

	open := func(ctrl net.Conn, device string) (*rdma.Conn, []byte) {
		provider := rdma.NewSimulatedVerbsProviderOn(fabric)
		require.NoError(t, provider.Init())

		cfg := rdma.DefaultConfig()
		cfg.DeviceName = device
		cfg.Simulated = true
		cfg.PollTimeout = 5 * time.Second

		conn, err := rdma.NewConn(ctrl, provider, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		buf := make([]byte, size)
		_, _, err = conn.AttachBuffer(buf)
		require.NoError(t, err)

		return conn, buf
	}

	server, serverBuf = open(ca, "mlx5_0")
	client, clientBuf = open(cb, "mlx5_1")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Connect(gctx) })
	g.Go(func() error { return client.Connect(gctx) })
	require.NoError(t, g.Wait())

	return server, client, serverBuf, clientBuf
}

func run(t *testing.T, server, client transport.Communicator, serverBuf, clientBuf []byte, cfg Config, name string) (*Result, *Result) {
	t.Helper()

	srv, err := NewRunner(server, serverBuf, cfg, name)
	require.NoError(t, err)

	cli, err := NewRunner(client, clientBuf, cfg, name)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var srvRes, cliRes *Result

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		srvRes, err = srv.Server(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		cliRes, err = cli.Client(ctx)
		return err
	})
	require.NoError(t, g.Wait())

	return srvRes, cliRes
}

func TestBandwidthOverRDMA(t *testing.T) {
	cfg := smallConfig()
	server, client, serverBuf, clientBuf := rdmaPair(t, cfg.BufferSize)

	srvRes, cliRes := run(t, server, client, serverBuf, clientBuf, cfg, transport.NameRDMA)

	assert.Equal(t, RoleServer, srvRes.Role)
	assert.Equal(t, RoleClient, cliRes.Role)
	assert.Equal(t, int64(cfg.Iterations*cfg.BufferSize), srvRes.Bytes)
	assert.Equal(t, srvRes.Bytes, cliRes.Bytes)
	assert.Positive(t, srvRes.Mbps)
	assert.InDelta(t, srvRes.Mbps, cliRes.PeerMbps, 1e-9)

	// Frames only ever touch the front of the buffer.
	assert.Equal(t, byte('X'), serverBuf[cfg.BufferSize-1])
}

func TestBandwidthOverTCP(t *testing.T) {
	cfg := smallConfig()
	cfg.ChunkSize = 1000 // not a divisor of the buffer

	a, b := testutil.ControlPair(t)

	server, client := tcp.New(a), tcp.New(b)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	srvRes, cliRes := run(t, server, client, make([]byte, cfg.BufferSize), make([]byte, cfg.BufferSize), cfg, transport.NameTCP)

	assert.Equal(t, transport.NameTCP, srvRes.Transport)
	assert.InDelta(t, srvRes.Mbps, cliRes.PeerMbps, 1e-9)
}

func TestChunkCappedToBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 4096

	assert.Equal(t, 4096, cfg.chunk())

	cfg.ChunkSize = 512
	assert.Equal(t, 512, cfg.chunk())
}

func TestMbps(t *testing.T) {
	// 1 MiB in one second is 8 binary megabits per second.
	assert.InDelta(t, 8.0, Mbps(1<<20, time.Second), 1e-9)
	assert.InDelta(t, 16.0, Mbps(1<<20, 500*time.Millisecond), 1e-9)
	assert.Zero(t, Mbps(1<<20, 0))

	r := &Result{Mbps: 2500}
	assert.InDelta(t, 2.5, r.Gbps(), 1e-9)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"buffer smaller than result frame", func(c *Config) { c.BufferSize = ResultSize - 1 }},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }},
		{"chunk beyond one work request", func(c *Config) {
			limit := int64(MaxChunkSize)
			c.ChunkSize = int(limit + 1)
		}},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
		{"negative warmup", func(c *Config) { c.Warmup = -1 }},
	}

	require.NoError(t, DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewRunnerRejectsSmallBuffer(t *testing.T) {
	_, err := NewRunner(nil, make([]byte, 100), smallConfig(), transport.NameTCP)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseResult(t *testing.T) {
	mbps, err := parseResult("RESULT:8123.25")
	require.NoError(t, err)
	assert.InDelta(t, 8123.25, mbps, 1e-9)

	_, err = parseResult("ACK3")
	require.ErrorIs(t, err, ErrBadFrame)

	_, err = parseResult("RESULT:fast")
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestCancelledRun(t *testing.T) {
	cfg := smallConfig()

	r, err := NewRunner(nil, make([]byte, cfg.BufferSize), cfg, transport.NameTCP)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Server(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = r.Client(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

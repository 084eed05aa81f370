package control

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 7471, cfg.Port)
	assert.Equal(t, "0.0.0.0:7471", cfg.Endpoint())
	assert.Equal(t, DefaultDialRetries, cfg.DialRetries)
}

func TestListenAcceptDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := Listen(ctx, Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	var g errgroup.Group

	g.Go(func() error {
		conn, err := Accept(ctx, ln)
		if err != nil {
			return err
		}
		defer conn.Close()

		_, err = conn.Write([]byte("ping"))

		return err
	})

	conn, err := Dial(ctx, Config{Address: "127.0.0.1", Port: port, DialTimeout: time.Second})
	require.NoError(t, err)

	defer conn.Close()

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	require.NoError(t, g.Wait())
}

func TestAcceptCancelled(t *testing.T) {
	ln, err := Listen(context.Background(), Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Accept(ctx, ln)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialGivesUp(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Config{
		Address:       "127.0.0.1",
		Port:          port,
		DialTimeout:   100 * time.Millisecond,
		DialRetries:   2,
		RetryInterval: 10 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrDialFailed)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestLoopbackBothSidesWriteFirst(t *testing.T) {
	server, client, err := Loopback(context.Background())
	require.NoError(t, err)

	defer server.Close()
	defer client.Close()

	_, err = server.Write([]byte("from-server"))
	require.NoError(t, err)

	_, err = client.Write([]byte("from-client"))
	require.NoError(t, err)

	buf := make([]byte, 11)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "from-server", string(buf))

	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "from-client", string(buf))
}

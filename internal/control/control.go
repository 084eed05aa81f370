// Package control opens the out-of-band TCP channel two peers use to trade
// their connection records before any RDMA traffic flows.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults for the control channel.
const (
	DefaultPort          = 7471
	DefaultDialTimeout   = 5 * time.Second
	DefaultDialRetries   = 10
	DefaultRetryInterval = 500 * time.Millisecond
)

// ErrDialFailed is returned when every dial attempt failed.
var ErrDialFailed = errors.New("control channel dial failed")

// Config holds control channel settings.
type Config struct {
	Address       string        `mapstructure:"address" yaml:"address"`
	Port          int           `mapstructure:"port" yaml:"port"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	DialRetries   int           `mapstructure:"dial_retries" yaml:"dial_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
}

// DefaultConfig returns a control channel configuration listening on all
// interfaces.
func DefaultConfig() Config {
	return Config{
		Address:       "0.0.0.0",
		Port:          DefaultPort,
		DialTimeout:   DefaultDialTimeout,
		DialRetries:   DefaultDialRetries,
		RetryInterval: DefaultRetryInterval,
	}
}

// Endpoint returns host:port.
func (c Config) Endpoint() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Listen opens a TCP listener on the configured endpoint.
func Listen(ctx context.Context, cfg Config) (net.Listener, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", cfg.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Endpoint(), err)
	}

	log.Info().Str("address", ln.Addr().String()).Msg("Control channel listening")

	return ln, nil
}

// Accept waits for one peer. Cancelling ctx closes the listener.
func Accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("accept control connection: %w", err)
	}

	tune(conn)
	log.Info().Str("peer", conn.RemoteAddr().String()).Msg("Control channel accepted")

	return conn, nil
}

// Dial connects to the configured endpoint, retrying while the peer is not
// yet listening.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	attempts := cfg.DialRetries + 1

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Endpoint())
		if err == nil {
			tune(conn)
			log.Info().Str("peer", conn.RemoteAddr().String()).Int("attempt", attempt).Msg("Control channel connected")

			return conn, nil
		}

		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Str("endpoint", cfg.Endpoint()).Msg("Control dial failed")

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDialFailed, cfg.Endpoint(), attempts, lastErr)
}

// Loopback returns both ends of a control channel over the loopback
// interface. Unlike net.Pipe the ends are buffered by the kernel, so both
// sides may write before reading.
func Loopback(ctx context.Context) (server, client net.Conn, err error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("listen on loopback: %w", err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}

	accepted := make(chan result, 1)

	go func() {
		conn, err := ln.Accept()
		accepted <- result{conn, err}
	}()

	var dialer net.Dialer

	client, err = dialer.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, fmt.Errorf("dial loopback: %w", err)
	}

	res := <-accepted
	if res.err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("accept loopback: %w", res.err)
	}

	tune(res.conn)
	tune(client)

	return res.conn, client, nil
}

// tune disables Nagle so the small handshake and control frames go out at once.
func tune(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

// Package bench measures two-sided bandwidth between two peers over any
// transport.Communicator.
//
// The client streams its whole buffer to the server once per round, in
// chunks. After each round the server answers with a fixed-size ACK frame.
// Warmup rounds are not timed. When the timed rounds are done the server
// reports its own measurement in a fixed-size RESULT frame.
package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport"
)

// Defaults for a bandwidth run.
const (
	DefaultBufferSize = 64 << 20
	DefaultChunkSize  = 1 << 30
	DefaultIterations = 100
	DefaultWarmup     = 10

	// MaxChunkSize is the largest length one work request can carry.
	MaxChunkSize = math.MaxUint32
)

// Frame sizes. Frames are zero padded.
const (
	AckSize    = 8
	ResultSize = 64
)

const (
	ackPrefix    = "ACK"
	resultPrefix = "RESULT:"
)

// Roles.
const (
	RoleServer = "server"
	RoleClient = "client"
)

var (
	ErrInvalidConfig = errors.New("invalid bench configuration")
	ErrShortMessage  = errors.New("short message")
	ErrBadFrame      = errors.New("malformed frame")
)

// Config holds bandwidth test settings.
type Config struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	ChunkSize  int `mapstructure:"chunk_size" yaml:"chunk_size"`
	Iterations int `mapstructure:"iterations" yaml:"iterations"`
	Warmup     int `mapstructure:"warmup" yaml:"warmup"`
}

// DefaultConfig returns the default bandwidth test settings.
func DefaultConfig() Config {
	return Config{
		BufferSize: DefaultBufferSize,
		ChunkSize:  DefaultChunkSize,
		Iterations: DefaultIterations,
		Warmup:     DefaultWarmup,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BufferSize < ResultSize {
		return fmt.Errorf("%w: buffer_size must be at least %d bytes", ErrInvalidConfig, ResultSize)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	}

	if int64(c.ChunkSize) > MaxChunkSize {
		return fmt.Errorf("%w: chunk_size must not exceed %d bytes", ErrInvalidConfig, int64(MaxChunkSize))
	}

	if c.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be positive", ErrInvalidConfig)
	}

	if c.Warmup < 0 {
		return fmt.Errorf("%w: warmup must not be negative", ErrInvalidConfig)
	}

	return nil
}

// chunk returns the effective chunk size, capped to the buffer.
func (c Config) chunk() int {
	return min(c.ChunkSize, c.BufferSize)
}

// Result is one side's measurement.
type Result struct {
	Role      string
	Transport string
	Bytes     int64
	Elapsed   time.Duration
	Mbps      float64
	// PeerMbps is the server's measurement as reported to the client.
	PeerMbps float64
}

// Gbps converts Mbps for display.
func (r *Result) Gbps() float64 {
	return r.Mbps / 1000
}

// Mbps computes bandwidth in binary megabits per second.
func Mbps(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(n) * 8 / (elapsed.Seconds() * (1 << 20))
}

// Runner drives one side of a bandwidth test.
type Runner struct {
	comm      transport.Communicator
	buf       []byte
	cfg       Config
	transport string
}

// NewRunner prepares a run over comm. buf is the registered buffer on RDMA
// and must hold cfg.BufferSize bytes.
func NewRunner(comm transport.Communicator, buf []byte, cfg Config, transportName string) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(buf) < cfg.BufferSize {
		return nil, fmt.Errorf("%w: buffer holds %d bytes, buffer_size is %d", ErrInvalidConfig, len(buf), cfg.BufferSize)
	}

	return &Runner{
		comm:      comm,
		buf:       buf[:cfg.BufferSize],
		cfg:       cfg,
		transport: transportName,
	}, nil
}

// Server receives every round, acknowledges it and finally reports its
// measurement to the client.
func (r *Runner) Server(ctx context.Context) (*Result, error) {
	var start time.Time

	for round := 0; round < r.cfg.Warmup+r.cfg.Iterations; round++ {
		if round == r.cfg.Warmup {
			start = time.Now()
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := r.receiveRound(); err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}

		if err := r.sendFrame(AckSize, ackPrefix+strconv.Itoa(round%100000)); err != nil {
			return nil, fmt.Errorf("round %d ack: %w", round, err)
		}
	}

	res := r.result(RoleServer, time.Since(start))

	if err := r.sendFrame(ResultSize, resultPrefix+strconv.FormatFloat(res.Mbps, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("send result: %w", err)
	}

	r.report(res)

	return res, nil
}

// Client streams the buffer every round and waits for the server's ACK, then
// collects the server's RESULT.
func (r *Runner) Client(ctx context.Context) (*Result, error) {
	for i := range r.buf {
		r.buf[i] = 'X'
	}

	var start time.Time

	for round := 0; round < r.cfg.Warmup+r.cfg.Iterations; round++ {
		if round == r.cfg.Warmup {
			start = time.Now()
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := r.sendRound(); err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}

		frame, err := r.receiveFrame(AckSize)
		if err != nil {
			return nil, fmt.Errorf("round %d ack: %w", round, err)
		}

		if frame != ackPrefix+strconv.Itoa(round%100000) {
			return nil, fmt.Errorf("%w: round %d got %q", ErrBadFrame, round, frame)
		}
	}

	res := r.result(RoleClient, time.Since(start))

	frame, err := r.receiveFrame(ResultSize)
	if err != nil {
		return nil, fmt.Errorf("receive result: %w", err)
	}

	peer, err := parseResult(frame)
	if err != nil {
		return nil, err
	}

	res.PeerMbps = peer
	r.report(res)

	return res, nil
}

func (r *Runner) sendRound() error {
	chunk := r.cfg.chunk()

	for off := 0; off < len(r.buf); off += chunk {
		end := min(off+chunk, len(r.buf))

		n, err := r.comm.Send(r.buf[off:end])
		if err != nil {
			return err
		}

		if n != end-off {
			return fmt.Errorf("%w: sent %d of %d bytes", ErrShortMessage, n, end-off)
		}
	}

	return nil
}

func (r *Runner) receiveRound() error {
	chunk := r.cfg.chunk()

	for off := 0; off < len(r.buf); off += chunk {
		end := min(off+chunk, len(r.buf))

		n, err := transport.ReceiveMessage(r.comm, r.buf[off:end])
		if err != nil {
			return err
		}

		if n != end-off {
			return fmt.Errorf("%w: received %d of %d bytes", ErrShortMessage, n, end-off)
		}
	}

	return nil
}

func (r *Runner) sendFrame(size int, text string) error {
	frame := r.buf[:size]
	clear(frame)
	copy(frame, text)

	_, err := r.comm.Send(frame)

	return err
}

func (r *Runner) receiveFrame(size int) (string, error) {
	frame := r.buf[:size]
	clear(frame)

	n, err := transport.ReceiveMessage(r.comm, frame)
	if err != nil {
		return "", err
	}

	if n != size {
		return "", fmt.Errorf("%w: frame of %d bytes, want %d", ErrShortMessage, n, size)
	}

	return string(bytes.TrimRight(frame, "\x00")), nil
}

func parseResult(frame string) (float64, error) {
	text, ok := strings.CutPrefix(frame, resultPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadFrame, frame)
	}

	mbps, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}

	return mbps, nil
}

func (r *Runner) result(role string, elapsed time.Duration) *Result {
	n := int64(r.cfg.Iterations) * int64(len(r.buf))

	return &Result{
		Role:      role,
		Transport: r.transport,
		Bytes:     n,
		Elapsed:   elapsed,
		Mbps:      Mbps(n, elapsed),
	}
}

func (r *Runner) report(res *Result) {
	metrics.SetBenchBandwidth(res.Transport, res.Role, res.Mbps)

	log.Info().
		Str("role", res.Role).
		Str("transport", res.Transport).
		Int64("bytes", res.Bytes).
		Dur("elapsed", res.Elapsed).
		Float64("mbps", res.Mbps).
		Msg("Bandwidth test complete")
}

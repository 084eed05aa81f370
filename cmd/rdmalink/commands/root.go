// Package commands implements the rdmalink command line.
package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/config"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath     string
	logLevel       string
	transport      string
	device         string
	address        string
	metricsAddress string
	port           int
	gidIndex       int
	debug          bool
	simulated      bool
	metrics        bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "rdmalink",
		Short: "Point-to-point RDMA and TCP messaging",
		Long: `rdmalink connects two peers over an RDMA reliable connection, or a plain
TCP socket, after trading connection details on a TCP control channel.

Start one side as the server and the other as the client:
  rdmalink server --mode sendrecv
  rdmalink client --address 10.0.0.1 --mode sendrecv

Settings come from flags, RDMALINK_* environment variables and rdmalink.yaml.
Builds without the rdma_hw tag run against a simulated fabric.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			setupLogging(g.debug)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "Path to configuration file")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&g.debug, "debug", false, "Enable debug logging to the console")
	flags.StringVar(&g.transport, "transport", "", "Transport: rdma or tcp")
	flags.StringVar(&g.device, "device", "", "RDMA device name")
	flags.StringVar(&g.address, "address", "", "Control channel address")
	flags.IntVar(&g.port, "port", 0, "Control channel port")
	flags.IntVar(&g.gidIndex, "gid-index", 0, "Local GID table index")
	flags.BoolVar(&g.simulated, "simulated", false, "Use the simulated verbs provider")
	flags.BoolVar(&g.metrics, "metrics", false, "Serve Prometheus metrics and health endpoints")
	flags.StringVar(&g.metricsAddress, "metrics-address", "", "Metrics listen address")

	cmd.AddCommand(newServerCmd(g))
	cmd.AddCommand(newClientCmd(g))
	cmd.AddCommand(newBenchCmd(g))
	cmd.AddCommand(newDevicesCmd(g))
	cmd.AddCommand(newSelftestCmd(g))
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func setupLogging(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// load resolves the configuration, letting flags the user actually set win.
func (g *globals) load(cmd *cobra.Command) (*config.Config, error) {
	opts := config.Options{
		Transport: g.transport,
		Device:    g.device,
		Address:   g.address,
		LogLevel:  g.logLevel,
		Port:      g.port,
	}

	if cmd.Flags().Changed("gid-index") {
		opts.GIDIndex = &g.gidIndex
	}

	if cmd.Flags().Changed("simulated") {
		opts.Simulated = &g.simulated
	}

	cfg, err := config.Load(g.configPath, opts)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = g.metrics
	}

	if g.metricsAddress != "" {
		cfg.Metrics.Address = g.metricsAddress
	}

	if !g.debug {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	if cfg.File != "" {
		log.Debug().Str("file", cfg.File).Msg("Loaded configuration")
	}

	return cfg, nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

var (
	// Commit is set at build time
	Commit = "none"
	// BuildDate is set at build time
	BuildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rdmalink %s\n", metrics.Version)
			fmt.Fprintf(out, "  Commit:   %s\n", Commit)
			fmt.Fprintf(out, "  Built:    %s\n", BuildDate)
			fmt.Fprintf(out, "  Hardware: %t\n", rdma.HardwareSupport)
		},
	}
}

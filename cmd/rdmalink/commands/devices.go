package commands

import (
	"fmt"
	"net"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/hardware"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

var portStates = map[int]string{
	1: "DOWN",
	2: "INIT",
	3: "ARMED",
	4: "ACTIVE",
}

func newDevicesCmd(g *globals) *cobra.Command {
	var (
		sysfs     bool
		sysfsRoot string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and the state of the configured port",
		Long: `List the devices the verbs provider sees, querying the configured port and
GID index on each. With --sysfs the host's devices are read from sysfs
instead, which works without libibverbs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			if sysfs {
				return listSysfsDevices(cmd, sysfsRoot)
			}

			provider, err := rdma.NewProvider(&cfg.RDMA)
			if err != nil {
				return err
			}
			defer provider.Close()

			return listDevices(cmd, provider, cfg.RDMA.IBPort, cfg.RDMA.GIDIndex)
		},
	}

	cmd.Flags().BoolVar(&sysfs, "sysfs", false, "Read devices from sysfs instead of the verbs provider")
	cmd.Flags().StringVar(&sysfsRoot, "sysfs-root", hardware.DefaultRoot, "sysfs directory holding RDMA devices")
	_ = cmd.Flags().MarkHidden("sysfs-root")

	return cmd
}

func listSysfsDevices(cmd *cobra.Command, root string) error {
	devices, err := hardware.ScanRDMA(root)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNODE GUID\tFIRMWARE\tPORT\tSTATE\tLID\tRATE\tLINK\tGID")

	for _, dev := range devices {
		for _, port := range dev.Ports {
			gid := "-"
			if len(port.GIDs) > 0 {
				gid = port.GIDs[0]
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%d Gb/s\t%s\t%s\n",
				dev.Name, dev.NodeGUID, dev.FirmwareVer, port.Number, port.State, port.LID, port.Speed, port.LinkLayer, gid)
		}
	}

	return w.Flush()
}

func listDevices(cmd *cobra.Command, provider rdma.VerbsProvider, port uint8, gidIndex int) error {
	devices, err := provider.GetDeviceList()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tGUID\tFIRMWARE\tPORT\tSTATE\tLID\tMTU\tLINK\tGID")

	for _, dev := range devices {
		state, lid, mtu, link, gid := "-", "-", "-", "-", "-"

		ctx, err := provider.OpenDevice(dev.Name)
		if err == nil {
			if attr, err := provider.QueryPort(ctx, port); err == nil {
				state = portState(attr.State)
				lid = fmt.Sprintf("%d", attr.LID)
				mtu = fmt.Sprintf("%d", attr.ActiveMTU.Bytes())
				link = linkLayer(attr.LinkLayer)
			}

			if raw, err := provider.QueryGID(ctx, port, gidIndex); err == nil {
				gid = net.IP(raw[:]).String()
			}

			_ = provider.CloseDevice(ctx)
		}

		fmt.Fprintf(w, "%s\t%016x\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			dev.Name, dev.GUID, dev.FWVer, port, state, lid, mtu, link, gid)
	}

	return w.Flush()
}

func portState(state int) string {
	if name, ok := portStates[state]; ok {
		return name
	}

	return fmt.Sprintf("%d", state)
}

func linkLayer(layer int) string {
	switch layer {
	case rdma.LinkLayerInfiniBand:
		return "InfiniBand"
	case rdma.LinkLayerEthernet:
		return "Ethernet"
	}

	return "unspecified"
}

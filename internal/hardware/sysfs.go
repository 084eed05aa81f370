// Package hardware discovers RDMA devices on the host by walking sysfs. It
// needs neither libibverbs nor cgo, so it works from any build.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultRoot is where the kernel exposes RDMA devices.
const DefaultRoot = "/sys/class/infiniband"

// RDMADevice describes one device found in sysfs.
type RDMADevice struct {
	Name         string     `json:"name"`
	DevicePath   string     `json:"device_path"`
	NodeGUID     string     `json:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid"`
	BoardID      string     `json:"board_id"`
	FirmwareVer  string     `json:"firmware_version"`
	NodeType     string     `json:"node_type"` // CA, Switch, Router
	Ports        []RDMAPort `json:"ports"`
}

// RDMAPort describes one physical port of a device.
type RDMAPort struct {
	Number    int      `json:"number"`
	State     string   `json:"state"`      // ACTIVE, DOWN
	LinkLayer string   `json:"link_layer"` // InfiniBand, Ethernet
	LID       uint16   `json:"lid"`
	Speed     uint64   `json:"speed"` // Gb/s
	GIDs      []string `json:"gids,omitempty"`
}

// Port returns the port with the given number.
func (d RDMADevice) Port(n int) (RDMAPort, bool) {
	for _, p := range d.Ports {
		if p.Number == n {
			return p, true
		}
	}

	return RDMAPort{}, false
}

// ScanRDMA lists the devices below root, DefaultRoot if empty. A missing root
// means the host has no RDMA devices and is not an error.
func ScanRDMA(root string) ([]RDMADevice, error) {
	if root == "" {
		root = DefaultRoot
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", root).Msg("No RDMA devices found in sysfs")
			return nil, nil
		}

		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	devices := make([]RDMADevice, 0, len(entries))

	for _, entry := range entries {
		devicePath := filepath.Join(root, entry.Name())
		device := RDMADevice{
			Name:         entry.Name(),
			DevicePath:   devicePath,
			NodeGUID:     readSysfsFile(filepath.Join(devicePath, "node_guid")),
			SysImageGUID: readSysfsFile(filepath.Join(devicePath, "sys_image_guid")),
			BoardID:      readSysfsFile(filepath.Join(devicePath, "board_id")),
			FirmwareVer:  readSysfsFile(filepath.Join(devicePath, "fw_ver")),
			NodeType:     parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type"))),
		}

		device.Ports = scanPorts(filepath.Join(devicePath, "ports"))
		devices = append(devices, device)
	}

	return devices, nil
}

func scanPorts(portsPath string) []RDMAPort {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	ports := make([]RDMAPort, 0, len(entries))

	for _, entry := range entries {
		n, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		portPath := filepath.Join(portsPath, entry.Name())
		port := RDMAPort{
			Number:    n,
			State:     parseState(readSysfsFile(filepath.Join(portPath, "state"))),
			LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
			Speed:     parseSpeed(readSysfsFile(filepath.Join(portPath, "rate"))),
			LID:       parseLID(readSysfsFile(filepath.Join(portPath, "lid"))),
			GIDs:      scanGIDs(filepath.Join(portPath, "gids")),
		}

		ports = append(ports, port)
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

// scanGIDs returns the populated GID table entries in index order. Unused
// entries read as all zeros.
func scanGIDs(gidsPath string) []string {
	entries, err := os.ReadDir(gidsPath)
	if err != nil {
		return nil
	}

	indexed := make(map[int]string, len(entries))
	maxIndex := -1

	for _, entry := range entries {
		i, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		indexed[i] = readSysfsFile(filepath.Join(gidsPath, entry.Name()))
		maxIndex = max(maxIndex, i)
	}

	gids := make([]string, maxIndex+1)
	for i := range gids {
		gids[i] = indexed[i]
	}

	// Trim the unused tail.
	for len(gids) > 0 && isZeroGID(gids[len(gids)-1]) {
		gids = gids[:len(gids)-1]
	}

	return gids
}

func isZeroGID(gid string) bool {
	return strings.Trim(gid, "0:") == ""
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts "1: CA" or "1" to its name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(nodeType, ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState converts "4: ACTIVE" to "ACTIVE".
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return state
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to 100.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}

	return 0
}

// parseLID parses the hex LID sysfs reports, e.g. "0x1a".
func parseLID(lid string) uint16 {
	v, err := strconv.ParseUint(strings.TrimPrefix(lid, "0x"), 16, 16)
	if err != nil {
		return 0
	}

	return uint16(v)
}

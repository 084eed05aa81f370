package hardware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

// fakeSysfs lays out a ConnectX device with one InfiniBand port and a RoCE
// soft device with one Ethernet port.
func fakeSysfs(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	mlx := filepath.Join(root, "mlx5_0")
	writeFile(t, filepath.Join(mlx, "node_guid"), "b859:9f03:00d4:a1b2")
	writeFile(t, filepath.Join(mlx, "sys_image_guid"), "b859:9f03:00d4:a1b2")
	writeFile(t, filepath.Join(mlx, "board_id"), "MT_0000000008")
	writeFile(t, filepath.Join(mlx, "fw_ver"), "16.35.1012")
	writeFile(t, filepath.Join(mlx, "node_type"), "1: CA")
	writeFile(t, filepath.Join(mlx, "ports/1/state"), "4: ACTIVE")
	writeFile(t, filepath.Join(mlx, "ports/1/link_layer"), "InfiniBand")
	writeFile(t, filepath.Join(mlx, "ports/1/rate"), "100 Gb/sec (4X EDR)")
	writeFile(t, filepath.Join(mlx, "ports/1/lid"), "0x1a")
	writeFile(t, filepath.Join(mlx, "ports/1/gids/0"), "fe80:0000:0000:0000:b859:9f03:00d4:a1b2")
	writeFile(t, filepath.Join(mlx, "ports/1/gids/1"), "0000:0000:0000:0000:0000:0000:0000:0000")

	rxe := filepath.Join(root, "rxe0")
	writeFile(t, filepath.Join(rxe, "node_type"), "1: CA")
	writeFile(t, filepath.Join(rxe, "ports/1/state"), "1: DOWN")
	writeFile(t, filepath.Join(rxe, "ports/1/link_layer"), "Ethernet")
	writeFile(t, filepath.Join(rxe, "ports/1/rate"), "10 Gb/sec (1X QDR)")
	writeFile(t, filepath.Join(rxe, "ports/1/lid"), "0x0")
	writeFile(t, filepath.Join(rxe, "ports/1/gids/0"), "fe80:0000:0000:0000:0250:56ff:fe9a:0001")
	writeFile(t, filepath.Join(rxe, "ports/1/gids/1"), "0000:0000:0000:0000:0000:ffff:0a00:0001")

	return root
}

func TestScanRDMA(t *testing.T) {
	devices, err := ScanRDMA(fakeSysfs(t))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	mlx := devices[0]
	assert.Equal(t, "mlx5_0", mlx.Name)
	assert.Equal(t, "CA", mlx.NodeType)
	assert.Equal(t, "16.35.1012", mlx.FirmwareVer)
	assert.Equal(t, "MT_0000000008", mlx.BoardID)

	port, ok := mlx.Port(1)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", port.State)
	assert.Equal(t, "InfiniBand", port.LinkLayer)
	assert.Equal(t, uint64(100), port.Speed)
	assert.Equal(t, uint16(0x1a), port.LID)
	assert.Equal(t, []string{"fe80:0000:0000:0000:b859:9f03:00d4:a1b2"}, port.GIDs)

	rxe := devices[1]
	port, ok = rxe.Port(1)
	require.True(t, ok)
	assert.Equal(t, "DOWN", port.State)
	assert.Equal(t, "Ethernet", port.LinkLayer)
	assert.Zero(t, port.LID)
	assert.Len(t, port.GIDs, 2)

	_, ok = rxe.Port(2)
	assert.False(t, ok)
}

func TestScanRDMAMissingRoot(t *testing.T) {
	devices, err := ScanRDMA(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, "CA", parseNodeType("1: CA"))
	assert.Equal(t, "Switch", parseNodeType("2"))
	assert.Equal(t, "Unknown", parseNodeType(""))

	assert.Equal(t, "ACTIVE", parseState("4: ACTIVE"))
	assert.Equal(t, "INIT", parseState("INIT"))

	assert.Equal(t, uint64(200), parseSpeed("200 Gb/sec (4X HDR)"))
	assert.Zero(t, parseSpeed(""))

	assert.Equal(t, uint16(0xffff), parseLID("0xffff"))
	assert.Zero(t, parseLID("bogus"))

	assert.True(t, isZeroGID("0000:0000:0000:0000:0000:0000:0000:0000"))
	assert.False(t, isZeroGID("fe80:0000:0000:0000:0000:0000:0000:0001"))
}

// Package testutil provides helpers shared by rdmalink tests.
//
// Usage:
//
//	import (
//		"github.com/piwi3910/rdmalink/internal/testutil"
//		"github.com/stretchr/testify/require"
//	)
//
//	func TestSomething(t *testing.T) {
//		server, client := testutil.ControlPair(t)
//		// both ends are closed when the test ends
//	}
package testutil

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmalink/internal/control"
)

// ControlPair returns both ends of a loopback control channel. Both are
// closed on cleanup.
func ControlPair(t testing.TB) (server, client net.Conn) {
	t.Helper()

	server, client, err := control.Loopback(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return server, client
}

// FreePort returns a loopback TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

// GetEnvOrDefault returns the environment variable value or a default if not set.
// Tests use it for tunables such as RDMALINK_TEST_BUFFER_SIZE.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvIntOrDefault is GetEnvOrDefault for integers. Unparsable values fall
// back to the default.
func GetEnvIntOrDefault(key string, defaultValue int) int {
	n, err := strconv.Atoi(GetEnvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return n
}

package testutil

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlPair(t *testing.T) {
	server, client := ControlPair(t)

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestFreePort(t *testing.T) {
	port := FreePort(t)
	assert.Positive(t, port)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("RDMALINK_TEST_VALUE", "42")

	assert.Equal(t, "42", GetEnvOrDefault("RDMALINK_TEST_VALUE", "7"))
	assert.Equal(t, "7", GetEnvOrDefault("RDMALINK_TEST_UNSET", "7"))
	assert.Equal(t, 42, GetEnvIntOrDefault("RDMALINK_TEST_VALUE", 7))

	t.Setenv("RDMALINK_TEST_VALUE", "many")
	assert.Equal(t, 7, GetEnvIntOrDefault("RDMALINK_TEST_VALUE", 7))
}

package netcore

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAvailablePort_ReturnsMinusOneWhenRangeExhausted(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	assert.Equal(t, -1, FindAvailablePort(port, port))
}

func TestFindAvailablePort_ReturnsFreePort(t *testing.T) {
	port := FindAvailablePort(DefaultPortRangeStart, DefaultPortRangeEnd)
	require.NotEqual(t, -1, port)

	l, err := net.Listen("tcp", portAddr(port))
	require.NoError(t, err)
	defer l.Close()
}

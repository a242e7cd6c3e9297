//go:build linux

package tcpsock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPickPort(t *testing.T) {
	port, err := PickPort(false)
	require.NoError(t, err)
	require.NotZero(t, port)
}

func TestMakeServerAndBoundPort(t *testing.T) {
	port, err := PickPort(false)
	require.NoError(t, err)

	fd, err := MakeServer(port, false, 16, unix.SOCK_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fd)

	got, err := BoundPort(fd)
	require.NoError(t, err)
	require.Equal(t, port, got)

	// Nonblocking listener: accept with no client pending must EAGAIN.
	_, _, err = unix.Accept4(fd, unix.SOCK_NONBLOCK)
	require.ErrorIs(t, err, unix.EAGAIN)
}

func TestMakeServerEphemeral(t *testing.T) {
	fd, err := MakeServer(0, false, 16, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	port, err := BoundPort(fd)
	require.NoError(t, err)
	require.NotZero(t, port)
}

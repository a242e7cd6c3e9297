//go:build linux

// Package tcpsock is the listening-socket factory shared by the
// receiver engines and the commands: raw AF_INET/AF_INET6 stream
// sockets bound to a wildcard address, plus ephemeral port picking.
package tcpsock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrNoPort = errors.New("no free port found")

// MakeBound creates a bound, not yet listening, TCP socket.
// extraFlags is OR-ed into the socket type (e.g. unix.SOCK_NONBLOCK).
func MakeBound(port uint16, v6 bool, extraFlags int) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|extraFlags, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if v6 {
		sa = &unix.SockaddrInet6{Port: int(port)}
	} else {
		sa = &unix.SockaddrInet4{Port: int(port)}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind port %d: %w", port, err)
	}
	return fd, nil
}

// MakeServer creates a listening TCP socket on port.
func MakeServer(port uint16, v6 bool, backlog, extraFlags int) (int, error) {
	fd, err := MakeBound(port, v6, extraFlags)
	if err != nil {
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// BoundPort returns the local port a socket is bound to.
func BoundPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(a.Port), nil
	case *unix.SockaddrInet6:
		return uint16(a.Port), nil
	}
	return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
}

// PickPort reserves an ephemeral port by binding port zero and reading
// the assignment back. The socket is closed again; the tiny window
// until the caller rebinds matches how the benchmark always ran.
func PickPort(v6 bool) (uint16, error) {
	fd, err := MakeBound(0, v6, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	port, err := BoundPort(fd)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, ErrNoPort
	}
	return port, nil
}

//go:build linux

package receiver

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/protocol"
	"github.com/romshark/netbench-go/tcpsock"
)

// startEpollReceiver boots an epoll engine on an ephemeral port and
// returns the dial address plus a stop function that asserts a clean
// loop exit.
func startEpollReceiver(t *testing.T, cfg EpollRxConfig) (addr string, stop func()) {
	t.Helper()

	r, err := NewEPollRunner(cfg, "epoll test", discardLogger(), LoopOptions{})
	require.NoError(t, err)

	fd, err := tcpsock.MakeServer(0, false, 128, unix.SOCK_NONBLOCK)
	require.NoError(t, err)
	port, err := tcpsock.BoundPort(fd)
	require.NoError(t, err)
	require.NoError(t, r.AddListenSock(fd, false))

	var shouldShutdown atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- Run(r, &shouldShutdown, discardLogger())
	}()

	return fmt.Sprintf("127.0.0.1:%d", port), func() {
		shouldShutdown.Store(true)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("epoll loop did not exit after shutdown")
		}
	}
}

func dialTCP(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestEPollRunnerEcho(t *testing.T) {
	addr, stop := startEpollReceiver(t, DefaultEpollRxConfig())
	defer stop()

	conn := dialTCP(t, addr)
	defer conn.Close()

	// One frame demanding five response bytes.
	frame := protocol.AppendFrame(nil, 5, []byte{0xAA, 0xBB, 0xCC})
	_, err := conn.Write(frame)
	require.NoError(t, err)

	resp := make([]byte, 5)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)

	// No extra bytes may follow.
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, err := conn.Read(make([]byte, 16))
	require.Zero(t, n)
	require.Error(t, err)
}

func TestEPollRunnerSplitFrame(t *testing.T) {
	addr, stop := startEpollReceiver(t, DefaultEpollRxConfig())
	defer stop()

	conn := dialTCP(t, addr)
	defer conn.Close()

	frame := protocol.AppendFrame(nil, 7, make([]byte, 4))
	_, err := conn.Write(frame[:4])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(frame[4:])
	require.NoError(t, err)

	resp := make([]byte, 7)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
}

func TestEPollRunnerPipelined(t *testing.T) {
	for _, batchSend := range []bool{false, true} {
		name := fmt.Sprintf("batch_send=%t", batchSend)
		t.Run(name, func(t *testing.T) {
			cfg := DefaultEpollRxConfig()
			cfg.BatchSend = batchSend
			addr, stop := startEpollReceiver(t, cfg)
			defer stop()

			conn := dialTCP(t, addr)
			defer conn.Close()

			// Many frames in one write; every request gets exactly its
			// demanded response bytes, in order.
			const frames = 64
			var buf []byte
			total := 0
			for i := 0; i < frames; i++ {
				resp := uint32(i%3 + 1)
				total += int(resp)
				buf = protocol.AppendFrame(buf, resp, make([]byte, 32))
			}
			_, err := conn.Write(buf)
			require.NoError(t, err)

			got := make([]byte, total)
			_, err = io.ReadFull(conn, got)
			require.NoError(t, err)
		})
	}
}

func TestEPollRunnerManyConns(t *testing.T) {
	addr, stop := startEpollReceiver(t, DefaultEpollRxConfig())
	defer stop()

	conns := make([]net.Conn, 0, 20)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < 20; i++ {
		conns = append(conns, dialTCP(t, addr))
	}

	frame := protocol.AppendFrame(nil, 2, []byte("ab"))
	for _, c := range conns {
		_, err := c.Write(frame)
		require.NoError(t, err)
	}
	for _, c := range conns {
		resp := make([]byte, 2)
		_, err := io.ReadFull(c, resp)
		require.NoError(t, err)
	}
}

func TestEPollRunnerShutdownLiveness(t *testing.T) {
	addr, stop := startEpollReceiver(t, DefaultEpollRxConfig())

	// Connections still open must not block the shutdown.
	conn := dialTCP(t, addr)
	defer conn.Close()

	start := time.Now()
	stop()
	require.Less(t, time.Since(start), 3*time.Second)
}

//go:build linux

package sender

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/netbench-go/receiver"
	"github.com/romshark/netbench-go/tcpsock"
)

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario("small")
	require.NoError(t, err)
	require.Equal(t, "small", sc.Name)
	require.Equal(t, 1, sc.Pipeline)

	sc, err = ParseScenario("medium threads=2 conns=3 size=64 resp=9 pipeline=4 rps=1000")
	require.NoError(t, err)
	require.Equal(t, 2, sc.Threads)
	require.Equal(t, 3, sc.ConnsPerThread)
	require.Equal(t, 64, sc.PayloadSize)
	require.Equal(t, 9, sc.ResponseBytes)
	require.Equal(t, 4, sc.Pipeline)
	require.Equal(t, uint64(1000), sc.RequestsPerSecond)
}

func TestParseScenarioErrors(t *testing.T) {
	_, err := ParseScenario("")
	require.Error(t, err)
	_, err = ParseScenario("nope")
	require.Error(t, err)
	_, err = ParseScenario("small bogus=1")
	require.Error(t, err)
	_, err = ParseScenario("small threads=0")
	require.Error(t, err)
	_, err = ParseScenario("small resp=0")
	require.Error(t, err)
}

func TestAggregate(t *testing.T) {
	agg := Aggregate([]SendResults{
		{PacketsPerSecond: 1000, BytesPerSecond: 10},
		{PacketsPerSecond: 3000, BytesPerSecond: 30},
		{PacketsPerSecond: 2000, BytesPerSecond: 20},
	})
	require.Equal(t, 2000.0, agg.PacketsPerSecond.Avg)
	require.Equal(t, 2000.0, agg.PacketsPerSecond.P50)
	require.Equal(t, 3000.0, agg.PacketsPerSecond.P100)
	require.Equal(t, 20.0, agg.BytesPerSecond.Avg)
}

// TestRunAgainstEpollReceiver is the end-to-end smoke: every completed
// request got exactly its response bytes back, or the sender's
// io.ReadFull accounting would have failed.
func TestRunAgainstEpollReceiver(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	spec, err := receiver.ParseRxSpec("epoll")
	require.NoError(t, err)
	r, err := receiver.NewEPollRunner(spec.Epoll, "epoll e2e", log,
		receiver.LoopOptions{})
	require.NoError(t, err)

	fd, err := tcpsock.MakeServer(0, false, 128, unix.SOCK_NONBLOCK)
	require.NoError(t, err)
	port, err := tcpsock.BoundPort(fd)
	require.NoError(t, err)
	require.NoError(t, r.AddListenSock(fd, false))

	var shouldShutdown atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- receiver.Run(r, &shouldShutdown, log)
	}()

	sc, err := ParseScenario("small threads=2 conns=2 pipeline=4 resp=3")
	require.NoError(t, err)
	opts := Options{Host: "127.0.0.1", RunSeconds: 1}

	res, err := Run(sc, opts, port)
	require.NoError(t, err)
	require.NotZero(t, res.Packets)
	require.NotZero(t, res.Bytes)
	require.Greater(t, res.PacketsPerSecond, 0.0)

	shouldShutdown.Store(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not shut down")
	}
}

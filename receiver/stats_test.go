//go:build linux

package receiver

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestTicksToMs(t *testing.T) {
	require.Equal(t, uint64(0), ticksToMs(10, 10))
	require.Equal(t, uint64(0), ticksToMs(10, 5))
	require.Equal(t, uint64(1000), ticksToMs(0, clockTicksPerSecond))
	require.Equal(t, uint64(250), ticksToMs(100, 100+clockTicksPerSecond/4))
}

func TestReadStatsQuantiles(t *testing.T) {
	s := newRxStats("test", true, discardLogger())
	for i := uint32(1); i <= 100; i++ {
		s.doneLoop(0, 0, i, false)
	}
	got := s.readStats()
	// Nearest-rank on the sorted 1..100 sample.
	require.Contains(t, got, "p10=11")
	require.Contains(t, got, "p50=51")
	require.Contains(t, got, "p90=91")
	require.Contains(t, got, "avg=50.50")
}

func TestReadStatsEmpty(t *testing.T) {
	s := newRxStats("test", true, discardLogger())
	require.Empty(t, s.readStats())
}

func TestDoneLoopCountsOverflows(t *testing.T) {
	s := newRxStats("test", false, discardLogger())
	s.doneLoop(0, 0, 0, true)
	s.doneLoop(0, 0, 0, false)
	s.doneLoop(0, 0, 0, true)
	require.Equal(t, uint64(3), s.loops)
	require.Equal(t, uint64(2), s.overflows)
	require.Empty(t, s.reads)
}

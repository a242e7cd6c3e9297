//go:build linux

package receiver

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// clockTicksPerSecond is USER_HZ, the unit of times(2) counters.
const clockTicksPerSecond = 100

// waitEpsilon discards wait intervals too short to be real idling;
// anything under 100us is mostly measurement noise.
const waitEpsilon = 100 * time.Microsecond

// rxStats keeps one engine's per-window counters: wall-clock idle time
// around the blocking wait, user/system CPU ticks via times(2) and the
// per-loop read-batch samples, reported roughly once a second.
type rxStats struct {
	name       string
	countReads bool
	log        *logrus.Logger

	reads     []uint32
	lastStats time.Time

	waitStarted time.Time
	idle        time.Duration

	lastTimes unix.Tms
	lastClock uintptr

	loops     uint64
	overflows uint64

	lastBytes    uint64
	lastRequests uint64
	lastRps      float64
}

func newRxStats(name string, countReads bool, log *logrus.Logger) *rxStats {
	s := &rxStats{
		name:       name,
		countReads: countReads,
		log:        log,
		lastStats:  time.Now(),
	}
	clock, err := unix.Times(&s.lastTimes)
	if err != nil {
		log.WithError(err).Warn("initial times(2) failed")
	}
	s.lastClock = clock
	if countReads {
		s.reads = make([]uint32, 0, 32000)
	}
	return s
}

func (s *rxStats) startWait() {
	s.waitStarted = time.Now()
}

func (s *rxStats) doneWait() {
	if waited := time.Since(s.waitStarted); waited > waitEpsilon {
		s.idle += waited
	}
}

func (s *rxStats) doneLoop(bytes, requests uint64, reads uint32, isOverflow bool) {
	now := time.Now()
	duration := now.Sub(s.lastStats)
	s.loops++
	if isOverflow {
		s.overflows++
	}
	if s.countReads {
		s.reads = append(s.reads, reads)
	}
	if duration >= time.Second {
		s.doLog(bytes, requests, now, duration)
	}
}

func ticksToMs(from, to int64) uint64 {
	if to <= from {
		return 0
	}
	return uint64(to-from) * 1000 / clockTicksPerSecond
}

func (s *rxStats) readStats() string {
	if len(s.reads) == 0 {
		return ""
	}
	sort.Slice(s.reads, func(a, b int) bool { return s.reads[a] < s.reads[b] })
	var tot uint64
	for _, v := range s.reads {
		tot += uint64(v)
	}
	n := len(s.reads)
	avg := float64(tot) / float64(n)
	p10 := s.reads[n/10]
	p50 := s.reads[n/2]
	p90 := s.reads[int(float64(n)*0.9)]
	return fmt.Sprintf(" read_per_loop: p10=%d p50=%d p90=%d avg=%.2f",
		p10, p50, p90, avg)
}

func (s *rxStats) doLog(bytes, requests uint64, now time.Time, duration time.Duration) {
	millis := uint64(duration.Milliseconds())
	bps := float64(bytes-s.lastBytes) * 1000.0 / float64(millis)
	rps := float64(requests-s.lastRequests) * 1000.0 / float64(millis)

	var timesNow unix.Tms
	clockNow, err := unix.Times(&timesNow)
	if err != nil {
		s.log.WithError(err).Warn("loop times(2) failed")
	}

	if requests > s.lastRequests && s.lastRps != 0 {
		line := fmt.Sprintf(
			"%s: rps:%6.2fk Bps:%6.2fM idle=%dms user=%dms system=%dms wall=%dms loops=%d overflows=%d",
			s.name,
			rps/1000.0,
			bps/1000000.0,
			s.idle.Milliseconds(),
			ticksToMs(s.lastTimes.Utime, timesNow.Utime),
			ticksToMs(s.lastTimes.Stime, timesNow.Stime),
			ticksToMs(int64(s.lastClock), int64(clockNow)),
			s.loops,
			s.overflows,
		)
		if s.countReads {
			line += s.readStats()
			s.reads = s.reads[:0]
		}
		s.log.Info(line)
	}

	s.loops = 0
	s.overflows = 0
	s.idle = 0
	s.lastClock = clockNow
	s.lastTimes = timesNow
	s.lastBytes = bytes
	s.lastRequests = requests
	s.lastStats = now
	s.lastRps = rps
}

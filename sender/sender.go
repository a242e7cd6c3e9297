// Package sender implements the load generator: scenario-driven pools
// of TCP connections issuing length-delimited requests against one
// receiver port and counting completed transactions. A transaction is a
// request frame fully acknowledged by the demanded response bytes.
package sender

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/netbench-go/protocol"
	"github.com/romshark/netbench-go/ratelimit"
)

// Options are the send options global to all scenarios of a run.
type Options struct {
	Host       string `yaml:"host"`
	IPv6       bool   `yaml:"v6"`
	RunSeconds int    `yaml:"time"`
}

// DefaultOptions targets localhost for five seconds per scenario.
func DefaultOptions() Options {
	return Options{Host: "127.0.0.1", RunSeconds: 5}
}

// Scenario shapes one workload: how many connections, how large the
// requests, how much response traffic they demand and how deep each
// connection pipelines.
type Scenario struct {
	Name           string
	Threads        int
	ConnsPerThread int
	PayloadSize    int
	ResponseBytes  int
	Pipeline       int
	// RequestsPerSecond caps the aggregate rate; 0 is unlimited.
	RequestsPerSecond uint64
}

var baseScenarios = []Scenario{
	{Name: "small", Threads: 4, ConnsPerThread: 8, PayloadSize: 16, ResponseBytes: 1, Pipeline: 1},
	{Name: "medium", Threads: 4, ConnsPerThread: 16, PayloadSize: 512, ResponseBytes: 1, Pipeline: 8},
	{Name: "large", Threads: 8, ConnsPerThread: 16, PayloadSize: 4096, ResponseBytes: 1, Pipeline: 16},
	{Name: "burst", Threads: 2, ConnsPerThread: 64, PayloadSize: 64, ResponseBytes: 1, Pipeline: 64},
}

// AllScenarios lists the built-in scenario names.
func AllScenarios() []string {
	names := make([]string, 0, len(baseScenarios))
	for _, s := range baseScenarios {
		names = append(names, s.Name)
	}
	return names
}

// ParseScenario parses "name key=value ..." where name is a built-in
// scenario and the options override its shape.
func ParseScenario(s string) (Scenario, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Scenario{}, fmt.Errorf("no scenario in %q", s)
	}

	var sc Scenario
	found := false
	for _, base := range baseScenarios {
		if base.Name == fields[0] {
			sc = base
			found = true
			break
		}
	}
	if !found {
		return Scenario{}, fmt.Errorf("bad tx scenario %q (have: %s)",
			fields[0], strings.Join(AllScenarios(), ", "))
	}

	for _, opt := range fields[1:] {
		key, val, ok := strings.Cut(opt, "=")
		if !ok {
			return Scenario{}, fmt.Errorf("malformed option %q (want key=value)", opt)
		}
		var err error
		switch key {
		case "threads":
			sc.Threads, err = strconv.Atoi(val)
		case "conns":
			sc.ConnsPerThread, err = strconv.Atoi(val)
		case "size":
			sc.PayloadSize, err = strconv.Atoi(val)
		case "resp":
			sc.ResponseBytes, err = strconv.Atoi(val)
		case "pipeline":
			sc.Pipeline, err = strconv.Atoi(val)
		case "rps":
			sc.RequestsPerSecond, err = strconv.ParseUint(val, 10, 64)
		default:
			return Scenario{}, fmt.Errorf("unknown tx option %q", key)
		}
		if err != nil {
			return Scenario{}, fmt.Errorf("option %s=%q: %w", key, val, err)
		}
	}
	if sc.Threads <= 0 || sc.ConnsPerThread <= 0 || sc.Pipeline <= 0 {
		return Scenario{}, fmt.Errorf("scenario %q needs positive threads, conns and pipeline", s)
	}
	if sc.ResponseBytes <= 0 {
		return Scenario{}, fmt.Errorf("scenario %q needs positive resp", s)
	}
	return sc, nil
}

// SendResults is the outcome of one scenario against one receiver.
type SendResults struct {
	Packets          uint64
	Bytes            uint64
	Elapsed          time.Duration
	PacketsPerSecond float64
	BytesPerSecond   float64
}

func (r SendResults) String() string {
	return fmt.Sprintf("packetsPerSecond=%.2fk bytesPerSecond=%.2fM packets=%d elapsed=%.2fs",
		r.PacketsPerSecond/1000, r.BytesPerSecond/1000000, r.Packets, r.Elapsed.Seconds())
}

// Run drives one scenario against the receiver at opts.Host:port for
// opts.RunSeconds and returns the measured throughput.
func Run(sc Scenario, opts Options, port uint16) (SendResults, error) {
	network := "tcp4"
	if opts.IPv6 {
		network = "tcp6"
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(int(port)))

	nConns := sc.Threads * sc.ConnsPerThread
	conns := make([]net.Conn, 0, nConns)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < nConns; i++ {
		c, err := net.DialTimeout(network, addr, 5*time.Second)
		if err != nil {
			return SendResults{}, fmt.Errorf("dialing %s: %w", addr, err)
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		conns = append(conns, c)
	}

	frame := protocol.AppendFrame(nil, uint32(sc.ResponseBytes),
		make([]byte, sc.PayloadSize))
	deadline := time.Now().Add(time.Duration(opts.RunSeconds) * time.Second)

	perConnRps := sc.RequestsPerSecond / uint64(nConns)

	var (
		packets atomic.Uint64
		bytes   atomic.Uint64
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	start := time.Now()
	for _, c := range conns {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if err := runConn(c, frame, sc, perConnRps, deadline, &packets, &bytes); err != nil {
				errOnce.Do(func() { runErr = err })
			}
		}(c)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if runErr != nil {
		return SendResults{}, runErr
	}

	res := SendResults{
		Packets: packets.Load(),
		Bytes:   bytes.Load(),
		Elapsed: elapsed,
	}
	secs := elapsed.Seconds()
	if secs > 0 {
		res.PacketsPerSecond = float64(res.Packets) / secs
		res.BytesPerSecond = float64(res.Bytes) / secs
	}
	return res, nil
}

// runConn pipelines requests on one connection until the deadline:
// write a burst of frames, then read the burst's worth of response
// bytes back.
func runConn(
	c net.Conn, frame []byte, sc Scenario, rps uint64,
	deadline time.Time, packets, bytes *atomic.Uint64,
) error {
	throttle := ratelimit.New(rps)
	burst := make([]byte, 0, len(frame)*sc.Pipeline)
	for i := 0; i < sc.Pipeline; i++ {
		burst = append(burst, frame...)
	}
	respBuf := make([]byte, sc.ResponseBytes*sc.Pipeline)

	for time.Now().Before(deadline) {
		throttle.ThrottleN(uint64(sc.Pipeline))

		c.SetDeadline(time.Now().Add(10 * time.Second))
		if _, err := c.Write(burst); err != nil {
			return fmt.Errorf("writing burst: %w", err)
		}
		if _, err := io.ReadFull(c, respBuf); err != nil {
			return fmt.Errorf("reading responses: %w", err)
		}

		packets.Add(uint64(sc.Pipeline))
		bytes.Add(uint64(len(burst)))
	}
	return nil
}

// SimpleAggregate summarises repeated measurements.
type SimpleAggregate struct {
	Avg  float64
	P50  float64
	P100 float64
}

// NewSimpleAggregate computes avg/p50/p100 of vals.
func NewSimpleAggregate(vals []float64) SimpleAggregate {
	sort.Float64s(vals)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return SimpleAggregate{
		Avg:  sum / float64(len(vals)),
		P50:  vals[len(vals)/2],
		P100: vals[len(vals)-1],
	}
}

// AggregateResults aggregates throughput over repeated runs of the same
// (tx, rx) pair.
type AggregateResults struct {
	PacketsPerSecond SimpleAggregate
	BytesPerSecond   SimpleAggregate
}

// Aggregate combines repeated measurements.
func Aggregate(results []SendResults) AggregateResults {
	pps := make([]float64, 0, len(results))
	bps := make([]float64, 0, len(results))
	for _, r := range results {
		pps = append(pps, r.PacketsPerSecond)
		bps = append(bps, r.BytesPerSecond)
	}
	return AggregateResults{
		PacketsPerSecond: NewSimpleAggregate(pps),
		BytesPerSecond:   NewSimpleAggregate(bps),
	}
}

func (a AggregateResults) String() string {
	return fmt.Sprintf(
		"packetsPerSecond={p50=%.2fk avg=%.2fk p100=%.2fk} bytesPerSecond={p50=%.2fM avg=%.2fM p100=%.2fM}",
		a.PacketsPerSecond.P50/1000, a.PacketsPerSecond.Avg/1000, a.PacketsPerSecond.P100/1000,
		a.BytesPerSecond.P50/1000000, a.BytesPerSecond.Avg/1000000, a.BytesPerSecond.P100/1000000,
	)
}

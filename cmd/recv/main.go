//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/netbench-go/control"
	"github.com/romshark/netbench-go/receiver"
)

// cmd/recv runs receivers only and waits for remote senders: the
// server side of a two-host benchmark. The control port lets clients
// discover the port to engine mapping.
func main() {
	fRx := flag.String("rx", "io_uring,epoll",
		`rx engines, comma-separated (e.g. "io_uring provide_buffers=1,epoll")`)
	fV6 := flag.Bool("v6", false, "use IPv6")
	fControlPort := flag.Uint("control_port", 0, "control server port (0 = off)")
	fPrintRxStats := flag.Bool("print_rx_stats", true, "log per-second rx stats")
	fPrintReadStats := flag.Bool("print_read_stats", true, "log read-per-loop stats")
	fVerbose := flag.Bool("verbose", false, "verbose logging")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *fVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		receiver.GlobalShutdown.Store(true)
		<-ch
		log.Fatal("already should have shutdown at signal")
	}()

	opts := receiver.LoopOptions{
		PrintRxStats:   *fPrintRxStats,
		PrintReadStats: *fPrintReadStats,
	}

	var receivers []receiver.Receiver
	for _, rx := range strings.Split(*fRx, ",") {
		spec, err := receiver.ParseRxSpec(strings.TrimSpace(rx))
		if err != nil {
			log.WithError(err).Fatal("parsing rx spec")
		}
		rcv, err := receiver.New(spec, *fV6, log, opts)
		if err != nil {
			log.WithError(err).Fatal("making receiver")
		}
		receivers = append(receivers, rcv)
	}

	portNameMap := make(map[uint16]string)
	fmt.Fprintln(os.Stderr, "using receivers:")
	for _, r := range receivers {
		fmt.Fprintf(os.Stderr, "  %s port=%d rx_cfg=%s\n",
			r.Engine, r.Port, r.Desc)
		portNameMap[r.Port] = strings.TrimSpace(r.Engine + " " + r.Desc)
	}

	if *fControlPort != 0 {
		srv, err := control.Serve(portNameMap, uint16(*fControlPort), *fV6, log)
		if err != nil {
			log.WithError(err).Fatal("starting control server")
		}
		defer srv.Close()
	}

	var shouldShutdown atomic.Bool
	var wg sync.WaitGroup
	for _, r := range receivers {
		wg.Add(1)
		go func(r receiver.Receiver) {
			defer wg.Done()
			if err := receiver.Run(r.Runner, &shouldShutdown, log); err != nil {
				log.WithError(err).WithField("name", r.Runner.Name()).
					Fatal("receiver loop")
			}
		}(r)
	}
	wg.Wait()
	log.Info("all done")
}

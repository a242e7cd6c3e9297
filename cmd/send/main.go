//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/netbench-go/control"
	"github.com/romshark/netbench-go/sender"
)

// cmd/send is the client side of a two-host benchmark: it discovers
// receiver ports from the server's control port (or takes them
// explicitly) and drives tx scenarios against each.
func main() {
	fHost := flag.String("host", "127.0.0.1", "server host")
	fV6 := flag.Bool("v6", false, "use IPv6")
	fControlPort := flag.Uint("control_port", 0, "server control port")
	fPorts := flag.String("ports", "", "explicit receiver ports, comma-separated")
	fTx := flag.String("tx", "small",
		`tx scenarios, comma-separated ("all" runs every scenario)`)
	fTime := flag.Int("time", 5, "seconds per scenario")
	flag.Parse()

	fatalIf := func(err error, msg string) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
			os.Exit(1)
		}
	}

	portNames := make(map[uint16]string)
	var ports []uint16
	if *fPorts != "" {
		for _, p := range strings.Split(*fPorts, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
			fatalIf(err, "parsing port")
			ports = append(ports, uint16(n))
		}
	} else if *fControlPort != 0 {
		m, err := control.FetchPortNameMap(*fHost, uint16(*fControlPort), *fV6)
		fatalIf(err, "fetching port map from server")
		fmt.Fprintln(os.Stderr, "taking all ports from server")
		for port, name := range m {
			ports = append(ports, port)
			portNames[port] = name
		}
		sort.Slice(ports, func(a, b int) bool { return ports[a] < ports[b] })
	} else {
		fatalIf(fmt.Errorf("need -ports or -control_port"), "config")
	}

	var scenarios []string
	for _, t := range strings.Split(*fTx, ",") {
		t = strings.TrimSpace(t)
		if t == "all" {
			scenarios = append(scenarios, sender.AllScenarios()...)
			continue
		}
		scenarios = append(scenarios, t)
	}

	opts := sender.Options{Host: *fHost, IPv6: *fV6, RunSeconds: *fTime}
	p := message.NewPrinter(language.English)

	for _, tx := range scenarios {
		scenario, err := sender.ParseScenario(tx)
		fatalIf(err, "parsing tx scenario")
		for _, port := range ports {
			name := portNames[port]
			if name == "" {
				name = fmt.Sprintf("given_port port=%d", port)
			}
			fmt.Fprintf(os.Stderr, "running %s against %s\n", tx, name)
			res, err := sender.Run(scenario, opts, port)
			fatalIf(err, "sender")
			p.Printf("tx:%s rx:%s\n    %s (%s/s)\n", tx, name, res,
				humanize.Bytes(uint64(res.BytesPerSecond)))
		}
	}
}

//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/netbench-go/receiver"
	"github.com/romshark/netbench-go/sender"
)

type Config struct {
	Host string `yaml:"host"`
	V6   bool   `yaml:"v6"`
	Time int    `yaml:"time"`
	Runs int    `yaml:"runs"`

	PrintRxStats   bool `yaml:"print-rx-stats"`
	PrintReadStats bool `yaml:"print-read-stats"`

	Tx []string `yaml:"tx"`
	Rx []string `yaml:"rx"`
}

func defaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Time:           5,
		Runs:           1,
		PrintRxStats:   true,
		PrintReadStats: true,
	}
}

func loadConfig() (*Config, bool, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fRx := flag.String("rx", "",
		`rx engines, comma-separated (e.g. "io_uring provide_buffers=1,epoll")`)
	fTx := flag.String("tx", "",
		`tx scenarios, comma-separated ("all" runs every scenario)`)
	fHost := flag.String("host", "", "target host")
	fV6 := flag.Bool("v6", false, "use IPv6")
	fTime := flag.Int("time", 0, "seconds per scenario")
	fRuns := flag.Int("runs", 0, "how many times to run the test")
	fVerbose := flag.Bool("verbose", false, "verbose logging")

	flag.Parse()

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, false, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, false, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fRx != "" {
		conf.Rx = strings.Split(*fRx, ",")
	}
	if *fTx != "" {
		conf.Tx = strings.Split(*fTx, ",")
	}
	if *fHost != "" {
		conf.Host = *fHost
	}
	if *fV6 {
		conf.V6 = true
	}
	if *fTime != 0 {
		conf.Time = *fTime
	}
	if *fRuns != 0 {
		conf.Runs = *fRuns
	}

	// Validate

	if len(conf.Rx) == 0 {
		conf.Rx = []string{"io_uring", "epoll"}
	}
	if len(conf.Tx) == 0 {
		conf.Tx = []string{"small"}
	}
	var tx []string
	for _, t := range conf.Tx {
		t = strings.TrimSpace(t)
		if t == "all" {
			tx = append(tx, sender.AllScenarios()...)
			continue
		}
		if _, err := sender.ParseScenario(t); err != nil {
			return nil, false, err
		}
		tx = append(tx, t)
	}
	conf.Tx = tx
	for i, r := range conf.Rx {
		conf.Rx[i] = strings.TrimSpace(r)
		if _, err := receiver.ParseRxSpec(conf.Rx[i]); err != nil {
			return nil, false, err
		}
	}
	if conf.Runs <= 0 {
		return nil, false, errors.New("bad runs")
	}
	if conf.Time <= 0 {
		return nil, false, errors.New("bad time")
	}

	return &conf, *fVerbose, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func installIntHandler(log *logrus.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		receiver.GlobalShutdown.Store(true)
		<-ch
		log.Fatal("already should have shutdown at signal")
	}()
}

type resultRow struct {
	key string
	res sender.SendResults
}

func main() {
	conf, verbose, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	installIntHandler(log)

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	opts := receiver.LoopOptions{
		PrintRxStats:   conf.PrintRxStats,
		PrintReadStats: conf.PrintReadStats,
	}
	sendOpts := sender.Options{
		Host:       conf.Host,
		IPv6:       conf.V6,
		RunSeconds: conf.Time,
	}

	var results []resultRow
	for run := 0; run < conf.Runs; run++ {
		for _, tx := range conf.Tx {
			scenario, err := sender.ParseScenario(tx)
			fatalIf(err, "parsing tx scenario")

			for _, rx := range conf.Rx {
				spec, err := receiver.ParseRxSpec(rx)
				fatalIf(err, "parsing rx spec")

				rcv, err := receiver.New(spec, conf.V6, log, opts)
				fatalIf(err, "making receiver")

				log.WithFields(logrus.Fields{
					"tx":  tx,
					"rx":  rcv.Runner.Name(),
					"cfg": rcv.Desc,
				}).Info("running")

				var shouldShutdown atomic.Bool
				done := make(chan error, 1)
				go func() {
					done <- receiver.Run(rcv.Runner, &shouldShutdown, log)
				}()

				res, sendErr := sender.Run(scenario, sendOpts, rcv.Port)
				shouldShutdown.Store(true)
				log.Info("...done sender")
				fatalIf(<-done, "receiver loop")
				log.Info("...done receiver")
				fatalIf(sendErr, "sender")

				results = append(results, resultRow{
					key: fmt.Sprintf("tx:%s rx:%s%s", tx, rcv.Engine, rcv.Desc),
					res: res,
				})
			}
		}
	}

	p := message.NewPrinter(language.English)
	p.Println()
	for _, r := range results {
		p.Println(r.key)
		p.Printf("    %s (%s/s)\n", r.res,
			humanize.Bytes(uint64(r.res.BytesPerSecond)))
	}

	// Aggregate repeated runs of the same (tx, rx) pair, keeping
	// insertion order.
	var keys []string
	byKey := make(map[string][]sender.SendResults)
	for _, r := range results {
		if _, ok := byKey[r.key]; !ok {
			keys = append(keys, r.key)
		}
		byKey[r.key] = append(byKey[r.key], r.res)
	}
	for _, k := range keys {
		if len(byKey[k]) <= 1 {
			continue
		}
		p.Printf("aggregated:  %s\n", k)
		p.Printf("    %s\n", sender.Aggregate(byKey[k]))
	}
}

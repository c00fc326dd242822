package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

func main() {
	var (
		target      = flag.String("target", "127.0.0.1:28366", "rpc host:port to benchmark")
		rate        = flag.Int("rate", 100, "ordered sends per second per connection")
		connections = flag.Int("connections", 1, "websocket connections")
		duration    = flag.Int("duration", 10, "seconds to run")
		subgroup    = flag.Int("subgroup", 0, "subgroup to send into")
		payloadSize = flag.Int("payload-size", 64, "payload bytes per message")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if !*verbose {
		logger = log.NewFilter(logger, log.AllowInfo())
	}

	t := newTransacter(*target, *connections, *rate, *subgroup, *payloadSize)
	t.SetLogger(logger)

	if err := t.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}
	logger.Info("benchmark running", "target", *target, "rate", *rate, "connections", *connections)

	time.Sleep(time.Duration(*duration) * time.Second)
	t.Stop()
	logger.Info("benchmark done", "total", (*rate)*(*connections)*(*duration))
}

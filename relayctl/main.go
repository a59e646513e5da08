package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"snowedin.community/relay"
)

const RelayCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Snowed In relay control.

Runs a community relay: peers connect over websocket, writes are merged
last-writer-wins per field and fanned out to every other peer.
Environment (or .env): RELAY_PORT, RELAY_SNAPSHOT, RELAY_SNAPSHOT_INTERVAL.

Usage:
    relayctl serve [--port=<port>] [--snapshot=<snapshot_file>]
        [--snapshot_interval=<snapshot_interval>]

Options:
    -h --help                                Show this screen.
    --version                                Show version.
    --port=<port>                            Listen port.
    --snapshot=<snapshot_file>               Graph snapshot file.
    --snapshot_interval=<snapshot_interval>  Snapshot interval, e.g. 60s.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	config := relay.LoadConfig()
	if portStr, err := opts.String("--port"); err == nil && portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.Port = port
		}
	}
	if snapshot, err := opts.String("--snapshot"); err == nil && snapshot != "" {
		config.SnapshotPath = snapshot
	}
	if intervalStr, err := opts.String("--snapshot_interval"); err == nil && intervalStr != "" {
		if interval, err := time.ParseDuration(intervalStr); err == nil {
			config.SnapshotInterval = interval
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	server := relay.NewServerWithDefaults(ctx, config)
	defer server.Close()
	if err := server.Run(); err != nil {
		Err.Fatalf("Relay exited: %s", err)
	}
}

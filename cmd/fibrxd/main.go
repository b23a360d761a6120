// fibrxd is the fibrx IPv4 forwarding daemon.
//
// It mirrors kernel route and neighbor state into a software FIB with
// an optional eBPF offload plane and serves a diagnostics HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/fibrx/pkg/daemon"
)

func main() {
	apiAddr := flag.String("api-addr", "127.0.0.1:8080", "HTTP API listen address (empty to disable)")
	noOffload := flag.Bool("no-offload", false, "run without eBPF maps (software-only forwarding)")
	noFeed := flag.Bool("no-feed", false, "do not subscribe to netlink updates")
	nhCapacity := flag.Int("nexthop-capacity", 0, "next-hop store slots (0 = default)")
	maxPath := flag.Int("ecmp-max-path", 0, "ECMP path limit (0 = unlimited)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		APIAddr:         *apiAddr,
		NoOffload:       *noOffload,
		NoFeed:          *noFeed,
		NexthopCapacity: *nhCapacity,
		ECMPMaxPath:     *maxPath,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fibrxd: %v\n", err)
		os.Exit(1)
	}
}

// Package daemon implements the fibrxd daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psaab/fibrx/pkg/api"
	"github.com/psaab/fibrx/pkg/fal"
	"github.com/psaab/fibrx/pkg/fal/bpfplane"
	"github.com/psaab/fibrx/pkg/nlfeed"
	"github.com/psaab/fibrx/pkg/route"
)

// Options configures the daemon.
type Options struct {
	APIAddr         string
	NoOffload       bool // run without eBPF maps (software-only forwarding)
	NoFeed          bool // do not subscribe to netlink (driven via API/tests)
	NexthopCapacity int
	ECMPMaxPath     int
}

// Daemon is the main fibrx daemon.
type Daemon struct {
	opts   Options
	plane  *bpfplane.Plane
	engine *route.Engine
	feed   *nlfeed.Feed
	api    *api.Server
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting fibrx daemon", "pid", os.Getpid())

	var plane fal.Plane = fal.Disabled{}
	if !d.opts.NoOffload {
		p, err := bpfplane.New(bpfplane.Config{})
		if err != nil {
			slog.Warn("offload plane unavailable, software-only forwarding", "err", err)
		} else {
			d.plane = p
			plane = p
		}
	}

	engine, err := route.New(route.Config{
		Plane:           plane,
		NexthopCapacity: d.opts.NexthopCapacity,
		MaxPath:         d.opts.ECMPMaxPath,
	})
	if err != nil {
		return fmt.Errorf("create route engine: %w", err)
	}
	d.engine = engine

	if !d.opts.NoFeed {
		d.feed = nlfeed.New(nlfeed.Config{Engine: engine})
		if err := d.feed.Start(); err != nil {
			return fmt.Errorf("start netlink feed: %w", err)
		}
		slog.Info("netlink feed started")
	}

	if d.opts.APIAddr != "" {
		d.api = api.NewServer(api.Config{
			Addr:   d.opts.APIAddr,
			Engine: engine,
		})
		d.api.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
		slog.Info("shutting down", "reason", ctx.Err())
	}

	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	if d.feed != nil {
		d.feed.Stop()
	}
	if d.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.api.Stop(ctx); err != nil {
			slog.Warn("api shutdown", "err", err)
		}
	}
	d.engine.FlushAll()
	if d.plane != nil {
		if err := d.plane.Close(); err != nil {
			slog.Warn("close offload plane", "err", err)
		}
	}
	slog.Info("fibrx daemon stopped")
}

package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"lecca.io/ksm-watcher/internal/chain"
	"lecca.io/ksm-watcher/internal/config"
	"lecca.io/ksm-watcher/internal/liveness"
	"lecca.io/ksm-watcher/internal/logger"
	"lecca.io/ksm-watcher/internal/metrics"
	"lecca.io/ksm-watcher/internal/server"
)

//go:embed config.example.yml
var configExample []byte

var Version = "v0.0.0"

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		logger.Error("SYS", "%v", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ksm-watcher"
	app.Usage = "Watches Kusama validators for missed heartbeats and exports offline gauges"
	app.Version = Version
	app.Flags = appFlags()
	app.Action = runWatcher
	app.Commands = []*cli.Command{
		{
			Name:      "init-config",
			Usage:     "Write an example config file",
			ArgsUsage: "[path]",
			Action: func(c *cli.Context) error {
				path, err := resolveConfigPath(c.Args().First())
				if err != nil {
					return err
				}
				written, err := writeExampleConfig(path, configExample)
				if err != nil {
					return err
				}
				if written {
					fmt.Fprintf(c.App.Writer, "Config written to %s\n", path)
				} else {
					fmt.Fprintf(c.App.Writer, "Config already exists at %s\n", path)
				}
				return nil
			},
		},
	}
	return app
}

func runWatcher(c *cli.Context) error {
	cfg, err := configFromCLI(c)
	if err != nil {
		return err
	}
	logger.Init(cfg.Advanced.LogLevel, c.Bool(logColorFlag))
	logger.Info("INIT", "Watching %d validators on %s", len(cfg.Chain.Validators), cfg.Chain.Endpoint)

	return run(c.Context, cfg, dialChain)
}

// chainSource is what run needs from the chain adapter.
type chainSource interface {
	liveness.ChainReader
	Subscribe(ctx context.Context, stream *chain.Stream) error
	Close()
}

type dialFunc func(ctx context.Context, cfg *config.Config) (chainSource, error)

func dialChain(ctx context.Context, cfg *config.Config) (chainSource, error) {
	src, err := chain.Dial(ctx, cfg.Chain, cfg.Advanced)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// run starts the HTTP surface, connects to the chain and drives the monitor
// until ctx is done or a fatal chain error occurs. The HTTP server is shut
// down before the chain connection is closed.
func run(ctx context.Context, cfg *config.Config, dial dialFunc) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.NewServer(cfg.Server)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var source chainSource
	defer func() {
		logger.Info("SYS", "Shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("SYS", "HTTP server shutdown: %v", serr)
		}
		if source != nil {
			source.Close()
		}
		logger.Info("SYS", "Shutdown complete")
	}()

	exporter := metrics.NewExporter(cfg.Metrics.Prefix)
	srv.MountMetrics(exporter.Handler())

	logger.Info("INIT", "Connecting to %s...", cfg.Chain.Endpoint)
	source, err = dial(ctx, cfg)
	if err != nil {
		return err
	}

	monitor := liveness.NewMonitor(cfg.Chain.Validators, source, exporter, cfg.Advanced.Workers)
	if err := monitor.Start(ctx); err != nil {
		return chain.Fatal(err)
	}
	srv.SetStatusProvider(monitor)
	monitor.SetBroadcaster(srv)

	stream, err := chain.NewStream(cfg.Advanced.QueueSize, cfg.Advanced.SeenHeads)
	if err != nil {
		return err
	}

	logger.Info("SYS", "ksm-watcher %s started", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return source.Subscribe(gctx, stream)
	})
	g.Go(func() error {
		return monitor.Run(gctx, stream.C())
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("watcher stopped: %w", err)
	}
	return nil
}

package main

// ---------------------------------------------------------------------------
// cmd_up.go — start the apdwatch engine
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apdwatch/apdwatch/internal/api"
	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/apdwatch/apdwatch/internal/metrics"
	"github.com/apdwatch/apdwatch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// openTimelineStore builds the redis or postgres backend. Memory and remote
// backends are built by the engine itself, so it returns nil for those.
func openTimelineStore(ctx context.Context, cfg *core.Config, logger zerolog.Logger) (core.TimelineStore, io.Closer, error) {
	switch cfg.Timeline.Backend {
	case core.BackendRedis:
		s, err := store.OpenRedisTimeline(ctx, logger, cfg.Timeline)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case core.BackendPostgres:
		s, err := store.OpenPostgresTimeline(ctx, logger, cfg.Timeline.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, nil
	}
}

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config and backends, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	warnings, verr := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if verr != nil {
		errorf("%v", verr)
	}

	logger := core.NewLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	timeline, closer, err := openTimelineStore(ctx, cfg, logger)
	cancel()
	if err != nil {
		errorf("opening %s timeline: %v", cfg.Timeline.Backend, err)
	}
	if closer != nil {
		defer closer.Close()
	}

	if *dryRun {
		fmt.Fprintf(os.Stdout, "%s Config valid (%s). Timeline backend %s reachable.\n",
			green("✓"), *configPath, cfg.Timeline.Backend)
		return
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		errorf("registering metrics: %v", err)
	}

	opts := []core.EngineOption{core.WithRecorder(metrics.Recorder{})}
	if timeline != nil {
		opts = append(opts, core.WithTimelineStore(timeline))
	}
	engine, err := core.NewEngineWithLogger(cfg, logger, opts...)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	if engine.Feed != nil {
		engine.Feed.OnStateChange(metrics.ObserveConnState)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting apdwatch against %s...\n", dim("▸"), cfg.Query.BaseURL)
	}

	if err := engine.Start(); err != nil {
		errorf("starting engine: %v", err)
	}

	srv := api.NewServer(engine)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	if !*quiet {
		live := dim("off")
		if engine.Feed != nil {
			live = green(cfg.LiveFeed.URL)
		}
		fmt.Fprintf(os.Stderr, "%s apdwatch running, API on :%d, timeline %s, live feed %s\n",
			green("✓"), cfg.Server.Port, cfg.Timeline.Backend, live)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
	}

	if err := srv.Stop(); err != nil {
		warnf("stopping API server: %v", err)
	}
	engine.Shutdown()

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s apdwatch stopped.\n", green("✓"))
	}
}

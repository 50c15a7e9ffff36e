// ABOUTME: CLI entrypoint for the dicomgate routing gateway: config load, component wiring,
// ABOUTME: listener startup, recovery, hot reload, and signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openimaging/dicomgate/adminapi"
	"github.com/openimaging/dicomgate/anon"
	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/pipeline"
	"github.com/openimaging/dicomgate/receive"
)

var version = "dev"

const (
	exitOK          = 0
	exitBadConfig   = 1
	exitBindFailure = 2
	exitDataRoot    = 3
)

// cliConfig holds all CLI configuration parsed from flags.
type cliConfig struct {
	configPath   string
	dataDir      string
	validateOnly bool
	verbose      bool
	showVersion  bool
}

func main() {
	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("dicomgate %s\n", version)
		os.Exit(exitOK)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated cliConfig.
func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("dicomgate", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", "dicomgate.yaml", "Path to the YAML configuration file")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Override data_root from the configuration")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate the configuration and exit")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Verbose (debug) logging")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitOK)
		}
		os.Exit(exitBadConfig)
	}
	return cfg
}

// run loads config, wires the gateway, and blocks until shutdown.
func run(cli cliConfig) int {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitBadConfig
	}
	if cli.dataDir != "" {
		cfg.DataRoot = cli.dataDir
	}

	if cli.validateOnly {
		fmt.Println("Configuration is valid.")
		return exitOK
	}

	if err := probeDataRoot(cfg.DataRoot); err != nil {
		fmt.Fprintf(os.Stderr, "error: data root: %v\n", err)
		return exitDataRoot
	}

	level := slog.LevelInfo
	if cli.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)

	var opts []pipeline.Option
	var ocr anon.OCRClient
	if cfg.Admin.OCRURL != "" {
		ocr = anon.NewHTTPOCRClient(cfg.Admin.OCRURL)
		opts = append(opts, pipeline.WithOCRClient(ocr))
	}

	sched, err := pipeline.NewScheduler(cfg, metrics, logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitBadConfig
	}

	// Bind every route listener before accepting anything, so a port clash
	// fails fast instead of after studies have started arriving.
	var receivers []*receive.Receiver
	for _, route := range cfg.Routes {
		if !route.Enabled {
			continue
		}
		rcv, err := receive.New(route, sched.Dirs(route.AETitle), logger, sched.Enqueue)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: route %s: %v\n", route.AETitle, err)
			return exitBadConfig
		}
		if err := rcv.Listen(); err != nil {
			fmt.Fprintf(os.Stderr, "error: route %s: %v\n", route.AETitle, err)
			return exitBindFailure
		}
		receivers = append(receivers, rcv)
		logger.Info("route listening", "ae", route.AETitle, "addr", rcv.Addr())
	}

	admin, err := adminapi.NewServer(cfg, sched, registry, ocr, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitBadConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	// Studies stranded by the previous shutdown resume before new ones arrive.
	sched.Recover()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()
	for _, rcv := range receivers {
		go func(rcv *receive.Receiver) {
			if err := rcv.Run(ctx); err != nil {
				logger.Error("receiver stopped", "error", err)
			}
		}(rcv)
	}
	go func() {
		if err := admin.Run(ctx); err != nil {
			logger.Error("admin server stopped", "error", err)
			cancel()
		}
	}()

	watcher := config.NewWatcher(cli.configPath, sched.ApplySafeConfig)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	logger.Info("dicomgate started", "version", version, "routes", len(receivers), "admin", cfg.Admin.Bind)

	<-ctx.Done()

	grace := time.Duration(cfg.Resilience.GracefulStopSeconds) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-schedDone:
	case <-time.After(grace):
		logger.Warn("graceful stop timed out, exiting with work in flight", "grace", grace)
	}
	return exitOK
}

// probeDataRoot verifies the data root exists (creating it if needed) and is
// writable by actually writing a file.
func probeDataRoot(root string) error {
	if root == "" {
		return fmt.Errorf("data_root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(root, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

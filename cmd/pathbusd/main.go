// Package main is the entry point for the pathbusd daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/pathbus/internal/app"
	"github.com/dshills/pathbus/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	appOpts := []app.Option{}
	if opts.watch {
		appOpts = append(appOpts, app.WithConfigFile(opts.configPath))
	}

	application, err := app.New(cfg, appOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer application.Shutdown()

	application.Logger().Info("pathbusd started",
		"version", version, "config", opts.configPath)

	// Block until asked to stop.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	application.Logger().Info("signal received", "signal", sig.String())
	return 0
}

type options struct {
	configPath string
	logLevel   string
	watch      bool
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "pathbus.toml", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "pathbus.toml", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	flag.BoolVar(&opts.watch, "watch", false, "Reload config file on change")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pathbusd - hierarchical path-addressed data bus daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pathbusd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("pathbusd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}

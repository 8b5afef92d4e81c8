package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/molqzone/ratitude/internal/config"
	"github.com/molqzone/ratitude/internal/daemon"
	"github.com/molqzone/ratitude/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/ratd/ratd.toml", "path to daemon config file")
	noConsole := flag.Bool("no-console", false, "disable the interactive $command console on stdin")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	d := daemon.New(*configPath, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !*noConsole {
		loop := daemon.NewCommandLoop(d, logger, os.Stdout)
		go loop.Run(ctx, os.Stdin)
	}

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

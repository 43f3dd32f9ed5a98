// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command replayd serves the built-in Echo service over HTTP and sockets
// with exactly-once execution and replayed outcomes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"

	"github.com/juju/replayrpc/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(Main(ctx, os.Args[1:], os.Stderr))
}

// Main runs the daemon until ctx is done, returning the exit code.
func Main(ctx context.Context, args []string, stderr io.Writer) int {
	flags := gnuflag.NewFlagSet("replayd", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		configPath string
		logging    string
		httpAddr   string
		socketAddr string
		logFile    string
	)
	flags.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flags.StringVar(&logging, "logging-config", "", "loggo configuration, overriding the file")
	flags.StringVar(&httpAddr, "http", "", "HTTP listen address, overriding the file")
	flags.StringVar(&socketAddr, "socket", "", "socket listen address, overriding the file")
	flags.StringVar(&logFile, "log-file", "", "write the log to a rotated file instead of stderr")
	if err := flags.Parse(true, args); err != nil {
		return 2
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized arguments: %q\n", flags.Args())
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 1
	}
	if httpAddr != "" {
		cfg.HTTP.Address = httpAddr
	}
	if socketAddr != "" {
		cfg.Socket.Address = socketAddr
	}
	if logging != "" {
		cfg.Logging = logging
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if err := loggo.ConfigureLoggers(cfg.Logging); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", errors.Annotate(err, "configuring logging"))
		return 1
	}
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSize,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
		}
		defer rotating.Close()
		previous, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(rotating, loggo.DefaultFormatter))
		if err != nil {
			fmt.Fprintf(stderr, "ERROR %v\n", errors.Annotate(err, "redirecting log"))
			return 1
		}
		defer func() { _, _ = loggo.ReplaceDefaultWriter(previous) }()
		logger.Debugf("logging to %q (max size %d MB, %d backups)", cfg.LogFile, cfg.LogFileMaxSize, cfg.LogFileMaxBackups)
	}

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Read(path)
}

func run(ctx context.Context, cfg config.Config) error {
	d, err := NewDaemon(cfg, clock.WallClock, echoMethods()...)
	if err != nil {
		return errors.Trace(err)
	}
	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		d.Kill()
	case <-d.catacomb.Dying():
	}
	return errors.Trace(d.Wait())
}

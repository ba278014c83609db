package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codefionn/plauderkasten/internal/config"
	"github.com/codefionn/plauderkasten/internal/logger"
	"github.com/codefionn/plauderkasten/internal/orchestrator"
	"github.com/codefionn/plauderkasten/internal/pidfile"
	"github.com/codefionn/plauderkasten/internal/pprof"
	"github.com/codefionn/plauderkasten/internal/securemem"
	"github.com/codefionn/plauderkasten/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	addr := flag.String("addr", "localhost:8936", "listen address")
	dataDir := flag.String("data", defaultDataDir(), "config data directory")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logPath := flag.String("log-path", "", "log file path (stderr when empty)")
	pidPath := flag.String("pidfile", "", "PID file path (disabled when empty)")
	pprofAddr := flag.String("pprof-addr", "", "profiling listen address (disabled when empty)")
	flag.Parse()

	if err := logger.Init(logger.ParseLevel(*logLevel), *logPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("fatal: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	securemem.Init()
	defer securemem.Shutdown()

	if *pidPath != "" {
		pf := pidfile.New(*pidPath)
		if err := pf.Write(); err != nil {
			return err
		}
		defer func() {
			if removeErr := pf.Remove(); removeErr != nil {
				logger.Warn("pidfile: %v", removeErr)
			}
		}()
	}

	if *pprofAddr != "" {
		debugServer := pprof.NewServer(*pprofAddr)
		debugServer.Start()
		defer debugServer.Stop()
	}

	store, err := config.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer store.Close()

	orch := orchestrator.New(store)
	defer orch.Close()

	server := web.NewServer(*addr, orch)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
		if shutdownErr := server.Shutdown(); shutdownErr != nil {
			logger.Warn("shutdown: %v", shutdownErr)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/plauderkasten"
	}
	return "./data"
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robolab/dispatchd/internal/api"
	"github.com/robolab/dispatchd/internal/bus"
	"github.com/robolab/dispatchd/internal/config"
	"github.com/robolab/dispatchd/internal/engine"
	"github.com/robolab/dispatchd/internal/events"
	"github.com/robolab/dispatchd/internal/lock"
	"github.com/robolab/dispatchd/internal/log"
	"github.com/robolab/dispatchd/internal/metrics"
	"github.com/robolab/dispatchd/internal/queue"
	"github.com/robolab/dispatchd/internal/state"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "version":
		fmt.Printf("dispatchd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`dispatchd - robot job dispatch gateway

Usage:
  dispatchd <command> [flags]

Commands:
  start     Start the gateway in the foreground
  version   Show version information
  help      Show this help message

Start flags:
  --config PATH   Path to YAML configuration (default: ./dispatchd.yaml)
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "./dispatchd.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("dispatchd starting", "version", version, "robot_id", cfg.Service.RobotID)

	pidLock, err := lock.Acquire(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := queue.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open job store", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("job store opened", "path", cfg.State.Path)

	cache := state.NewCache()
	hub := events.NewHub(256)
	collector := metrics.NewCollector()

	mqttBus := bus.New(bus.Config{
		Host:      cfg.Broker.Host,
		Port:      cfg.Broker.Port,
		Username:  cfg.Broker.Username,
		Password:  cfg.Broker.Password,
		RobotID:   cfg.Service.RobotID,
		KeepAlive: cfg.Broker.KeepAlive,
	}, log.WithComponent("bus"))

	eng := engine.New(store, mqttBus, cache, hub, collector, cfg.State.ArchiveDir, log.WithComponent("engine"))
	mqttBus.OnCompletion(eng.HandleCompletion)
	mqttBus.OnTelemetry(eng.HandleTelemetry)

	if err := mqttBus.Connect(ctx); err != nil {
		logger.Error("failed to connect to broker", "host", cfg.Broker.Host, "port", cfg.Broker.Port, "error", err)
		return 1
	}
	defer mqttBus.Close()

	apiServer := api.New(api.Config{
		Listen:     cfg.API.Listen,
		RobotID:    cfg.Service.RobotID,
		AdminToken: cfg.API.AdminToken,
	}, eng, store, cache, mqttBus.Topics(), hub, collector.Handler(), log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("dispatchd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("dispatchd stopped")
	return 0
}

func pidLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(dbDir, dbBase[:len(dbBase)-len(ext)]+".pid")
}

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sqlkv/sqlkv/internal/deploy"
	"github.com/sqlkv/sqlkv/internal/kv"
	"github.com/sqlkv/sqlkv/internal/observability"
)

// runSweep dispatches the sweeper subcommands.
func runSweep(args []string) {
	if len(args) == 0 {
		printSweepUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		runSweepLoop()
	case "start":
		startSweeper()
	case "stop":
		stopSweeper()
	case "status":
		sweepStatus()
	case "install":
		installSweeper()
	case "uninstall":
		uninstallSweeper()
	default:
		fmt.Fprintf(os.Stderr, "unknown sweep command: %q\n\n", args[0])
		printSweepUsage()
		os.Exit(1)
	}
}

func printSweepUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s sweep <command>

Commands:
  run        Run the sweeper in the foreground (what services invoke)
  start      Start the sweeper in the background
  stop       Stop the background sweeper
  status     Show whether the sweeper is running
  install    Install the sweeper as an OS service (launchd/systemd)
  uninstall  Remove the OS service
`, appName)
}

// runSweepLoop is the sweeper daemon: it deletes expired entries on a fixed
// interval until it receives SIGINT or SIGTERM.
func runSweepLoop() {
	cfg := loadConfig()

	// Guard refuses to start when another sweeper holds the pidfile, and
	// claims it for this process otherwise.
	pf := deploy.NewPIDFile(cfg.DataDir)
	if err := pf.Guard(); err != nil {
		log.Fatalf("[sweep] %v", err)
	}
	defer pf.Remove()

	// The daemon's log is its only record of work done, so never log
	// quieter than info here.
	level := observability.ParseLevel(cfg.LogLevel)
	if level > slog.LevelInfo {
		level = slog.LevelInfo
	}
	logger := observability.NewLoggerLevel("sweep", os.Stderr, level)

	store, err := kv.Open(cfg.DBPath, kv.WithTable(cfg.Table), kv.WithLogger(logger))
	if err != nil {
		log.Fatalf("[sweep] open %s: %v", cfg.DBPath, err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Catch signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info("sweeper started",
		"pid", os.Getpid(),
		"db", cfg.DBPath,
		"table", cfg.Table,
		"interval", cfg.SweepInterval.String(),
	)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	// Sweep once right away; a backlog should not wait a full interval.
	sweepOnce(ctx, store, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping", "pid", os.Getpid())
			return
		case <-ticker.C:
			sweepOnce(ctx, store, logger)
		}
	}
}

func sweepOnce(ctx context.Context, store *kv.Store, logger *observability.Logger) {
	start := time.Now()
	deleted, err := store.CleanupExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // shutting down
		}
		logger.Error("sweep failed", "error", err)
		return
	}
	logger.Sweep(deleted, time.Since(start))
}

// startSweeper launches "sweep run" as a detached background process.
func startSweeper() {
	cfg := loadConfig()

	pf := deploy.NewPIDFile(cfg.DataDir)
	if pid, running := pf.IsRunning(); running {
		fmt.Printf("sweeper already running (pid %d)\n", pid)
		return
	}

	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("[sweep] resolve binary path: %v", err)
	}

	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Fatalf("[sweep] create %s: %v", logDir, err)
	}
	logPath := filepath.Join(logDir, "sweep.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("[sweep] open %s: %v", logPath, err)
	}
	defer logFile.Close()

	// The child writes the pidfile itself once its guard passes.
	cmd := exec.Command(exe, "sweep", "run")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		log.Fatalf("[sweep] start: %v", err)
	}

	fmt.Printf("sweeper started (pid %d), interval %s\n", cmd.Process.Pid, cfg.SweepInterval)
	fmt.Printf("log: %s\n", logPath)
}

func stopSweeper() {
	cfg := loadConfig()

	pf := deploy.NewPIDFile(cfg.DataDir)
	pid, running := pf.IsRunning()
	if !running {
		fmt.Println("sweeper is not running")
		return
	}

	if err := deploy.StopSweeper(cfg.DataDir); err != nil {
		log.Fatalf("[sweep] stop: %v", err)
	}
	fmt.Printf("stopped sweeper (pid %d)\n", pid)
}

func sweepStatus() {
	cfg := loadConfig()

	pf := deploy.NewPIDFile(cfg.DataDir)
	pid, running := pf.IsRunning()
	if !running {
		fmt.Println("sweeper: not running")
		os.Exit(1)
	}

	if started, ok := pf.StartedAt(); ok {
		fmt.Printf("sweeper: running (pid %d, started %s)\n", pid, humanize.Time(started))
	} else {
		fmt.Printf("sweeper: running (pid %d)\n", pid)
	}
	fmt.Printf("interval: %s\n", cfg.SweepInterval)
	fmt.Printf("database: %s\n", cfg.DBPath)
}

func installSweeper() {
	cfg := loadConfig()

	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("[sweep] resolve binary path: %v", err)
	}

	result, err := deploy.Install(deploy.ServiceConfig{
		BinaryPath: exe,
		DataDir:    cfg.DataDir,
		DBPath:     cfg.DBPath,
		Interval:   cfg.SweepInterval.String(),
	})
	if err != nil {
		log.Fatalf("[sweep] install: %v", err)
	}

	fmt.Printf("✓ Installed %s service: %s\n\n", result.Platform, result.ServiceFile)
	fmt.Println(result.Instructions)
}

func uninstallSweeper() {
	result, err := deploy.Uninstall()
	if err != nil {
		log.Fatalf("[sweep] uninstall: %v", err)
	}

	fmt.Printf("✓ Removed %s service: %s\n", result.Platform, result.ServiceFile)
	if result.Instructions != "" {
		fmt.Println(result.Instructions)
	}
}

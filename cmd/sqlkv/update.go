package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sqlkv/sqlkv/internal/deploy"
)

// runUpdate checks the releases feed and swaps in the latest binary.
func runUpdate(args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	check := fs.Bool("check", false, "check for a new release without installing it")
	yes := fs.Bool("yes", false, "install without asking for confirmation")
	fs.Parse(args)

	cfg := loadConfig()

	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("[update] resolve binary path: %v", err)
	}

	updateCfg := deploy.UpdateConfig{
		CurrentVersion: version,
		DataDir:        cfg.DataDir,
		BinaryPath:     exe,
	}

	fmt.Printf("Checking for updates (current: v%s)...\n", version)
	info, err := deploy.CheckUpdate(updateCfg)
	if err != nil {
		log.Fatalf("[update] %v", err)
	}
	if info == nil {
		fmt.Println("Already up to date.")
		return
	}

	fmt.Printf("New version available: v%s", info.Version)
	if released, parseErr := time.Parse(time.RFC3339, info.ReleaseDate); parseErr == nil {
		fmt.Printf(" (released %s)", humanize.Time(released))
	}
	fmt.Println()
	if info.ReleaseNotes != "" {
		fmt.Printf("\n%s\n\n", info.ReleaseNotes)
	}

	if *check {
		fmt.Printf("Install with: %s update\n", appName)
		return
	}

	if !*yes {
		answer := promptString(bufio.NewReader(os.Stdin), "Install now? (y/N)", "N")
		if answer != "y" && answer != "Y" && answer != "yes" {
			fmt.Println("Cancelled.")
			return
		}
	}

	result, err := deploy.ApplyUpdate(updateCfg, info)
	if err != nil {
		log.Fatalf("[update] %v", err)
	}

	fmt.Printf("✓ %s\n", result.Message)

	// A running sweeper keeps executing the old binary until restarted.
	if _, running := deploy.NewPIDFile(cfg.DataDir).IsRunning(); running {
		fmt.Printf("Restart the sweeper to pick it up: %s sweep stop && %s sweep start\n", appName, appName)
	}
}

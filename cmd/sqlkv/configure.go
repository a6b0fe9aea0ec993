package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/sqlkv/sqlkv/internal/deploy"
	"github.com/sqlkv/sqlkv/internal/kv"
)

// persistedConfig is the JSON structure stored in ~/.sqlkv/config.json.
type persistedConfig struct {
	DBPath        string `json:"db_path,omitempty"`        // Database file path
	Table         string `json:"table,omitempty"`          // Table override
	SweepInterval string `json:"sweep_interval,omitempty"` // Sweeper interval, e.g. "5m"
	LogLevel      string `json:"log_level,omitempty"`      // debug, info, warn, error
}

// configFilePath returns the path to config.json.
func configFilePath() string {
	dataDir := os.Getenv("SQLKV_DATA")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataDir = filepath.Join(home, "."+appName)
	}
	return filepath.Join(dataDir, "config.json")
}

// loadPersistedConfig reads config.json if it exists.
func loadPersistedConfig() (*persistedConfig, error) {
	path := configFilePath()
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cfg persistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// savePersistedConfig writes config.json with 0600 permissions.
func savePersistedConfig(cfg *persistedConfig) error {
	path := configFilePath()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}

	// Ensure directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	// Write with restricted permissions (only owner can read/write).
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// runConfigure runs the interactive configuration wizard.
func runConfigure() {
	fmt.Printf("\n🔧 %s v%s — Configuration Wizard\n\n", appName, version)

	reader := bufio.NewReader(os.Stdin)

	// Load existing config if any.
	existing, _ := loadPersistedConfig()
	if existing == nil {
		existing = &persistedConfig{}
	}
	defaults := loadConfig()

	cfg := &persistedConfig{}

	// Step 1: Database path.
	dbDefault := defaults.DBPath
	if existing.DBPath != "" {
		dbDefault = existing.DBPath
	}
	cfg.DBPath = promptString(reader, "Database path", dbDefault)
	fmt.Printf("  ✓ Database: %s\n\n", cfg.DBPath)

	// Step 2: Table name.
	tableDefault := kv.DefaultTable
	if existing.Table != "" {
		tableDefault = existing.Table
	}
	for {
		table := promptString(reader, "Table name", tableDefault)
		if isBareIdentifier(table) {
			if table != kv.DefaultTable {
				cfg.Table = table
			}
			fmt.Printf("  ✓ Table: %s\n\n", table)
			break
		}
		fmt.Println("  Table names may only contain letters, digits, and underscores, and must not start with a digit.")
	}

	// Step 3: Sweep interval.
	fmt.Println("How often should the sweeper delete expired entries? (↑↓ to move, Enter to select):")
	fmt.Println()
	intervals := []struct {
		value string
		desc  string
	}{
		{"1m", "aggressive, for high-churn tables"},
		{"5m", "recommended"},
		{"15m", "relaxed"},
		{"1h", "minimal background work"},
	}
	intervalItems := make([]selectItem, len(intervals)+1)
	defaultIntervalIdx := 1
	for i, iv := range intervals {
		intervalItems[i] = selectItem{label: iv.value, desc: iv.desc}
		if existing.SweepInterval == iv.value {
			defaultIntervalIdx = i
		}
	}
	intervalItems[len(intervals)] = selectItem{label: "Other...", desc: "enter a duration manually"}

	intervalIdx := interactiveSelect(intervalItems, defaultIntervalIdx)
	if intervalIdx < 0 {
		fmt.Println("  Cancelled.")
		return
	}
	if intervalIdx == len(intervals) {
		for {
			raw := promptString(reader, "Sweep interval (e.g. 90s, 10m)", "5m")
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				cfg.SweepInterval = raw
				break
			}
			fmt.Println("  Enter a positive Go duration, like 90s or 10m.")
		}
	} else {
		cfg.SweepInterval = intervals[intervalIdx].value
	}
	fmt.Printf("  ✓ Sweep interval: %s\n\n", cfg.SweepInterval)

	// Step 4: Log level.
	fmt.Println("Select log verbosity (↑↓ to move, Enter to select):")
	fmt.Println()
	levels := []struct {
		value string
		desc  string
	}{
		{"error", "problems only"},
		{"warn", "recommended"},
		{"info", "per-sweep summaries"},
		{"debug", "every operation"},
	}
	levelItems := make([]selectItem, len(levels))
	defaultLevelIdx := 1
	for i, lv := range levels {
		levelItems[i] = selectItem{label: lv.value, desc: lv.desc}
		if existing.LogLevel == lv.value {
			defaultLevelIdx = i
		}
	}
	levelIdx := interactiveSelect(levelItems, defaultLevelIdx)
	if levelIdx < 0 {
		fmt.Println("  Cancelled.")
		return
	}
	cfg.LogLevel = levels[levelIdx].value
	fmt.Printf("  ✓ Log level: %s\n\n", cfg.LogLevel)

	// Save.
	if err := savePersistedConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	path := configFilePath()
	fmt.Printf("  ✓ Configuration saved to %s\n\n", path)

	// Validate by opening the database once.
	fmt.Print("  Testing database... ")
	if err := testDatabase(cfg); err != nil {
		fmt.Printf("⚠ %v\n", err)
		fmt.Printf("  You can fix this later and re-run: %s configure\n", appName)
	} else {
		fmt.Println("✓ OK!")
	}

	fmt.Printf("\n  Ready! Try: %s set greeting \"hello world\" && %s get greeting\n\n", appName, appName)
}

// isBareIdentifier mirrors the table-name rule the store enforces.
func isBareIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// testDatabase opens the configured database and runs a trivial query.
func testDatabase(cfg *persistedConfig) error {
	var opts []kv.Option
	if cfg.Table != "" {
		opts = append(opts, kv.WithTable(cfg.Table))
	}
	store, err := kv.Open(cfg.DBPath, opts...)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Count(context.Background(), ""); err != nil {
		return err
	}
	return nil
}

// runDoctor checks the installation for issues.
func runDoctor() {
	fmt.Printf("\n🔍 %s v%s — Doctor\n\n", appName, version)

	issues := 0
	checks := 0
	cfg := loadConfig()

	// Check 1: Data directory.
	checks++
	if info, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Printf("  … Data directory: %s (will be created on first use)\n", cfg.DataDir)
	} else if !info.IsDir() {
		fmt.Printf("  ✗ Data directory: %s (not a directory)\n", cfg.DataDir)
		issues++
	} else {
		fmt.Printf("  ✓ Data directory: %s\n", cfg.DataDir)
	}

	// Check 2: Config file.
	checks++
	cfgPath := configFilePath()
	stored, err := loadPersistedConfig()
	if err != nil {
		fmt.Printf("  ✗ Config file: %s (%v)\n", cfgPath, err)
		issues++
	} else if stored == nil {
		fmt.Printf("  … Config file: not found (defaults in effect; run: %s configure)\n", appName)
	} else {
		// Check permissions.
		info, _ := os.Stat(cfgPath)
		perms := info.Mode().Perm()
		if perms&0o077 != 0 {
			fmt.Printf("  ⚠ Config file: %s (permissions %o — should be 600)\n", cfgPath, perms)
			issues++
		} else {
			fmt.Printf("  ✓ Config file: %s (permissions %o)\n", cfgPath, perms)
		}
	}

	// Check 3: Database file.
	checks++
	dbExists := false
	if info, err := os.Stat(cfg.DBPath); err == nil {
		dbExists = true
		fmt.Printf("  ✓ Database: %s (%s)\n", cfg.DBPath, humanize.Bytes(uint64(info.Size())))
	} else {
		fmt.Printf("  … Database: not created yet (will be created on first use)\n")
	}

	// The remaining checks need a live database.
	if dbExists {
		store, err := openStore(cfg)
		if err != nil {
			checks++
			fmt.Printf("  ✗ Open: %v\n", err)
			issues++
		} else {
			defer store.Close()

			// Check 4: Integrity.
			checks++
			var result string
			if err := store.DB().QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
				fmt.Printf("  ✗ Integrity: %v\n", err)
				issues++
			} else if result != "ok" {
				fmt.Printf("  ✗ Integrity: %s\n", result)
				issues++
			} else {
				fmt.Printf("  ✓ Integrity: ok\n")
			}

			// Check 5: Journal mode.
			checks++
			var mode string
			if err := store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
				fmt.Printf("  ✗ Journal mode: %v\n", err)
				issues++
			} else if mode != "wal" {
				fmt.Printf("  ⚠ Journal mode: %s (expected wal)\n", mode)
				issues++
			} else {
				fmt.Printf("  ✓ Journal mode: wal\n")
			}

			// Check 6: Entries.
			checks++
			if st, err := store.Stats(context.Background()); err != nil {
				fmt.Printf("  ✗ Table %s: %v\n", store.Table(), err)
				issues++
			} else {
				fmt.Printf("  ✓ Table %s: %s live entries\n", store.Table(), humanize.Comma(st.Total))
				if st.Expired > 0 {
					fmt.Printf("  … Expired backlog: %s entries (run: %s cleanup, or start the sweeper)\n",
						humanize.Comma(st.Expired), appName)
				}
			}
		}
	}

	// Check 7: Sweeper.
	checks++
	pf := deploy.NewPIDFile(cfg.DataDir)
	if pid, running := pf.IsRunning(); running {
		if started, ok := pf.StartedAt(); ok {
			fmt.Printf("  ✓ Sweeper: running (pid %d, started %s)\n", pid, humanize.Time(started))
		} else {
			fmt.Printf("  ✓ Sweeper: running (pid %d)\n", pid)
		}
	} else {
		fmt.Printf("  … Sweeper: not running (run: %s sweep start)\n", appName)
	}

	fmt.Println()
	if issues == 0 {
		fmt.Printf("  All %d checks passed! ✓\n\n", checks)
	} else {
		fmt.Printf("  %d/%d checks passed, %d issue(s) found.\n\n", checks-issues, checks, issues)
	}
}

// --- Terminal helpers ---

// selectItem is one entry in an interactive selector.
type selectItem struct {
	label string
	desc  string
}

// interactiveSelect shows an arrow-key navigable menu.
// Returns the 0-based index of the selected item, or -1 if cancelled.
// If the terminal doesn't support raw mode, falls back to numbered input.
func interactiveSelect(items []selectItem, defaultIdx int) int {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fallbackSelect(items, defaultIdx)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fallbackSelect(items, defaultIdx)
	}
	defer term.Restore(fd, oldState)

	cursor := defaultIdx
	if cursor < 0 || cursor >= len(items) {
		cursor = 0
	}

	// First render — draw the full list from scratch.
	renderSelect(items, cursor, true)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			continue
		}

		switch {
		case n == 1 && (buf[0] == '\r' || buf[0] == '\n'):
			// Enter — confirm selection.
			fmt.Printf("\r\033[%dB", len(items)-cursor)
			fmt.Print("\r\n")
			return cursor

		case n == 1 && (buf[0] == 3 || buf[0] == 'q'):
			// Ctrl+C or q — cancel.
			fmt.Printf("\r\033[%dB", len(items)-cursor)
			fmt.Print("\r\n")
			return -1

		case (n == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'A') || (n == 1 && buf[0] == 'k'):
			// Arrow up / vim k.
			if cursor > 0 {
				cursor--
				renderSelect(items, cursor, false)
			}

		case (n == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'B') || (n == 1 && buf[0] == 'j'):
			// Arrow down / vim j.
			if cursor < len(items)-1 {
				cursor++
				renderSelect(items, cursor, false)
			}
		}
	}
}

// renderSelect draws the menu. On the first render the cursor is already at
// the top; afterwards it sits on the selected line and must move up first.
func renderSelect(items []selectItem, cursor int, first bool) {
	if !first && cursor > 0 {
		fmt.Printf("\033[%dA", cursor)
	}

	for i, item := range items {
		fmt.Print("\r\033[K") // clear line
		if i == cursor {
			if item.desc != "" {
				fmt.Printf("  \033[1;36m→ %-24s\033[0m \033[90m%s\033[0m", item.label, item.desc)
			} else {
				fmt.Printf("  \033[1;36m→ %s\033[0m", item.label)
			}
		} else {
			if item.desc != "" {
				fmt.Printf("    %-24s \033[90m%s\033[0m", item.label, item.desc)
			} else {
				fmt.Printf("    %s", item.label)
			}
		}
		if i < len(items)-1 {
			fmt.Print("\n")
		}
	}

	// Move cursor back to selected line.
	if cursor < len(items)-1 {
		fmt.Printf("\033[%dA", len(items)-1-cursor)
	}
}

// fallbackSelect is a numbered-input fallback for non-TTY environments.
func fallbackSelect(items []selectItem, defaultIdx int) int {
	reader := bufio.NewReader(os.Stdin)
	for i, item := range items {
		marker := "  "
		if i == defaultIdx {
			marker = "→ "
		}
		if item.desc != "" {
			fmt.Printf("  %s%d) %-24s %s\n", marker, i+1, item.label, item.desc)
		} else {
			fmt.Printf("  %s%d) %s\n", marker, i+1, item.label)
		}
	}
	fmt.Println()

	defaultStr := ""
	if defaultIdx >= 0 {
		defaultStr = fmt.Sprintf("%d", defaultIdx+1)
	}

	for {
		if defaultStr != "" {
			fmt.Printf("  Choose [%s]: ", defaultStr)
		} else {
			fmt.Print("  Choose: ")
		}

		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" && defaultStr != "" {
			line = defaultStr
		}

		var choice int
		if _, scanErr := fmt.Sscanf(line, "%d", &choice); scanErr == nil && choice >= 1 && choice <= len(items) {
			return choice - 1
		}
		if err != nil {
			// EOF with no valid input — give up rather than loop forever.
			return -1
		}
		fmt.Printf("  Enter a number between 1 and %d.\n", len(items))
	}
}

// promptString asks for a string input with a default value.
func promptString(reader *bufio.Reader, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultVal
	}
	return line
}

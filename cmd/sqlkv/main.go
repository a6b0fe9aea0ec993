// Package main is the entry point for the sqlkv CLI.
//
// Usage:
//
//	sqlkv get <key>          — print a value
//	sqlkv set <key> <value>  — store a value
//	sqlkv del <key>          — delete a key
//	sqlkv list               — list entries
//	sqlkv cleanup            — delete expired entries now
//	sqlkv stats              — table statistics
//	sqlkv sweep <cmd>        — manage the background sweeper
//	sqlkv configure          — interactive setup
//	sqlkv doctor             — check the installation
//	sqlkv update             — self-update from GitHub releases
//	sqlkv version            — print version
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/sqlkv/sqlkv/internal/codec"
	"github.com/sqlkv/sqlkv/internal/filter"
	"github.com/sqlkv/sqlkv/internal/kv"
	"github.com/sqlkv/sqlkv/internal/observability"
)

const (
	version = "0.1.0"
	appName = "sqlkv"
)

// Config holds the resolved CLI configuration. Precedence: built-in
// defaults, then config.json, then environment variables.
type Config struct {
	DataDir       string
	DBPath        string
	Table         string
	LogLevel      string
	SweepInterval time.Duration
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "get":
		runGet(args)
	case "set":
		runSet(args)
	case "del", "delete":
		runDel(args)
	case "list", "ls":
		runList(args)
	case "cleanup":
		runCleanup(args)
	case "stats":
		runStats(args)
	case "sweep":
		runSweep(args)
	case "configure":
		runConfigure()
	case "doctor":
		runDoctor()
	case "update":
		runUpdate(args)
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — key-value store on SQLite

Usage:
  %s <command> [flags] [args]

Commands:
  get <key>          Print the value stored under key
  set <key> <value>  Store a value (see -type, -ttl)
  del <key>          Delete a key
  list               List entries (see -prefix, -where, -limit)
  cleanup            Delete all expired entries now
  stats              Show table statistics
  sweep <cmd>        Background sweeper: start | stop | status | run | install | uninstall
  configure          Interactive setup wizard
  doctor             Check the installation for problems
  update             Update the binary to the latest release (see -check, -yes)
  version            Print version

Environment variables:
  SQLKV_DATA            Data directory (default: ~/.sqlkv)
  SQLKV_DB              Database path (default: $SQLKV_DATA/sqlkv.db)
  SQLKV_TABLE           Table name (default: %s)
  SQLKV_LOG_LEVEL       Log level: debug, info, warn, error (default: warn)
  SQLKV_SWEEP_INTERVAL  Sweeper interval (default: 5m)

`, appName, version, appName, kv.DefaultTable)
}

func loadConfig() Config {
	cfg := Config{
		Table:         kv.DefaultTable,
		LogLevel:      "warn",
		SweepInterval: 5 * time.Minute,
	}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("cannot determine home directory: %v", err)
	}
	cfg.DataDir = filepath.Join(home, "."+appName)

	// config.json overrides defaults; the environment overrides both.
	if dataDir := os.Getenv("SQLKV_DATA"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if stored, err := loadPersistedConfig(); err != nil {
		log.Printf("[config] ignoring %s: %v", configFilePath(), err)
	} else if stored != nil {
		if stored.DBPath != "" {
			cfg.DBPath = stored.DBPath
		}
		if stored.Table != "" {
			cfg.Table = stored.Table
		}
		if stored.LogLevel != "" {
			cfg.LogLevel = stored.LogLevel
		}
		if stored.SweepInterval != "" {
			if d, err := time.ParseDuration(stored.SweepInterval); err == nil && d > 0 {
				cfg.SweepInterval = d
			}
		}
	}

	if db := os.Getenv("SQLKV_DB"); db != "" {
		cfg.DBPath = db
	}
	if table := os.Getenv("SQLKV_TABLE"); table != "" {
		cfg.Table = table
	}
	if level := os.Getenv("SQLKV_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if interval := os.Getenv("SQLKV_SWEEP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil && d > 0 {
			cfg.SweepInterval = d
		} else {
			log.Printf("[config] ignoring SQLKV_SWEEP_INTERVAL=%q: not a positive duration", interval)
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, appName+".db")
	}
	return cfg
}

// openStore opens the configured database with logging wired to stderr.
func openStore(cfg Config) (*kv.Store, error) {
	logger := observability.NewLoggerLevel(appName, os.Stderr, observability.ParseLevel(cfg.LogLevel))
	return kv.Open(cfg.DBPath, kv.WithTable(cfg.Table), kv.WithLogger(logger))
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	field := fs.String("field", "", "extract a path from a JSON value (gjson syntax, e.g. user.name)")
	raw := fs.Bool("raw", false, "write binary values to stdout unmodified")
	meta := fs.Bool("meta", false, "print entry metadata instead of the value")
	fs.Parse(args)

	key := fs.Arg(0)
	if key == "" {
		log.Fatalf("[get] usage: %s get [flags] <key>", appName)
	}

	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[get] open store: %v", err)
	}
	defer store.Close()

	e, err := store.Get(context.Background(), key)
	if err != nil {
		log.Fatalf("[get] %v", err)
	}
	if e == nil {
		fmt.Fprintf(os.Stderr, "key %q not found\n", key)
		os.Exit(1)
	}

	if *meta {
		printMeta(e)
		return
	}
	if *field != "" {
		if e.Value.Kind != codec.KindJSON {
			log.Fatalf("[get] -field requires a JSON value, key %q holds %s", key, e.Value.Kind)
		}
		res := gjson.GetBytes(e.Value.JSON, *field)
		if !res.Exists() {
			fmt.Fprintf(os.Stderr, "field %q not found in %q\n", *field, key)
			os.Exit(1)
		}
		fmt.Println(res.String())
		return
	}
	printValue(e.Value, *raw)
}

func printMeta(e *kv.Entry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"FIELD", "VALUE"})
	table.Append([]string{"key", e.Key})
	table.Append([]string{"type", string(e.Value.Kind)})
	table.Append([]string{"version", e.Version})
	table.Append([]string{"created", fmt.Sprintf("%s (%s)", e.CreatedAt.Format(time.RFC3339), humanize.Time(e.CreatedAt))})
	table.Append([]string{"expires", formatExpiry(e.ExpiresAt)})
	table.Render()
}

// printValue writes a value to stdout in its natural text form. Binary
// values only go to a terminal when forced with -raw.
func printValue(v codec.Value, raw bool) {
	if v.Kind == codec.KindBinary {
		if !raw && term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintf(os.Stderr, "refusing to write %s of binary data to a terminal (use -raw, or redirect)\n",
				humanize.Bytes(uint64(len(v.Bytes))))
			os.Exit(1)
		}
		os.Stdout.Write(v.Bytes)
		return
	}
	if v.Kind == codec.KindJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, v.JSON, "", "  "); err != nil {
			fmt.Println(string(v.JSON))
			return
		}
		fmt.Println(buf.String())
		return
	}
	fmt.Println(formatScalar(v))
}

func runSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	typ := fs.String("type", "auto", "value type: auto, string, number, boolean, json, binary")
	ttl := fs.Duration("ttl", 0, "expire the entry after this duration (e.g. 30s, 1h)")
	file := fs.String("file", "", "read the value from a file instead of the command line")
	fs.Parse(args)

	key := fs.Arg(0)
	if key == "" {
		log.Fatalf("[set] usage: %s set [flags] <key> <value>", appName)
	}

	var value codec.Value
	var err error
	if *file != "" {
		data, readErr := os.ReadFile(*file)
		if readErr != nil {
			log.Fatalf("[set] read %s: %v", *file, readErr)
		}
		if *typ == "auto" || *typ == "binary" {
			value = codec.Binary(data)
		} else {
			value, err = parseValue(string(data), *typ)
		}
	} else {
		if fs.NArg() < 2 {
			log.Fatalf("[set] usage: %s set [flags] <key> <value>", appName)
		}
		value, err = parseValue(fs.Arg(1), *typ)
	}
	if err != nil {
		log.Fatalf("[set] %v", err)
	}

	cfg := loadConfig()
	store, openErr := openStore(cfg)
	if openErr != nil {
		log.Fatalf("[set] open store: %v", openErr)
	}
	defer store.Close()

	var opts []kv.SetOption
	if *ttl > 0 {
		opts = append(opts, kv.WithTTL(*ttl))
	}
	if err := store.Set(context.Background(), key, value, opts...); err != nil {
		log.Fatalf("[set] %v", err)
	}
	fmt.Println("OK")
}

// parseValue builds a value from command-line text. With "auto" the text is
// tried as a boolean, then a number, then JSON, and finally kept as a string.
func parseValue(raw, typ string) (codec.Value, error) {
	switch typ {
	case "auto":
		if raw == "true" || raw == "false" {
			return codec.Boolean(raw == "true"), nil
		}
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return codec.Number(n), nil
		}
		trimmed := strings.TrimSpace(raw)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
			return codec.JSONValue([]byte(trimmed)), nil
		}
		return codec.String(raw), nil
	case "string":
		return codec.String(raw), nil
	case "number":
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return codec.Value{}, fmt.Errorf("parse number %q: %w", raw, err)
		}
		return codec.Number(n), nil
	case "boolean", "bool":
		switch raw {
		case "true":
			return codec.Boolean(true), nil
		case "false":
			return codec.Boolean(false), nil
		}
		return codec.Value{}, fmt.Errorf("parse boolean %q: want true or false", raw)
	case "json":
		if !json.Valid([]byte(raw)) {
			return codec.Value{}, fmt.Errorf("invalid JSON value")
		}
		return codec.JSONValue([]byte(raw)), nil
	case "binary":
		return codec.Binary([]byte(raw)), nil
	}
	return codec.Value{}, fmt.Errorf("unknown type %q (use string, number, boolean, json, or binary)", typ)
}

func runDel(args []string) {
	fs := flag.NewFlagSet("del", flag.ExitOnError)
	fs.Parse(args)

	key := fs.Arg(0)
	if key == "" {
		log.Fatalf("[del] usage: %s del <key>", appName)
	}

	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[del] open store: %v", err)
	}
	defer store.Close()

	if err := store.Delete(context.Background(), key); err != nil {
		log.Fatalf("[del] %v", err)
	}
	fmt.Println("OK")
}

// repeatedFlag collects every occurrence of a flag.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }

func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	prefix := fs.String("prefix", "", "only keys starting with this prefix")
	limit := fs.Int("limit", 0, "maximum entries to return (0 = all)")
	reverse := fs.Bool("reverse", false, "descending key order")
	asJSON := fs.Bool("json", false, "print entries as JSON")
	keysOnly := fs.Bool("keys", false, "print keys only, one per line")
	var conditions repeatedFlag
	fs.Var(&conditions, "where", `filter on a JSON field, e.g. -where "age>28" (repeatable, conditions are ANDed)`)
	fs.Parse(args)

	where, err := buildWhere(conditions)
	if err != nil {
		log.Fatalf("[list] %v", err)
	}

	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[list] open store: %v", err)
	}
	defer store.Close()

	entries, err := store.List(context.Background(), kv.ListOptions{
		Prefix:  *prefix,
		Limit:   *limit,
		Reverse: *reverse,
		Where:   where,
	})
	if err != nil {
		log.Fatalf("[list] %v", err)
	}

	switch {
	case *keysOnly:
		for _, e := range entries {
			fmt.Println(e.Key)
		}
	case *asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			log.Fatalf("[list] encode: %v", err)
		}
	default:
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"KEY", "TYPE", "VALUE", "EXPIRES"})
		for _, e := range entries {
			table.Append([]string{
				e.Key,
				string(e.Value.Kind),
				preview(formatScalar(e.Value), 48),
				formatExpiry(e.ExpiresAt),
			})
		}
		table.Render()
		fmt.Printf("%s entries\n", humanize.Comma(int64(len(entries))))
	}
}

// buildWhere parses -where conditions and ANDs them together.
func buildWhere(conditions []string) (filter.Filter, error) {
	if len(conditions) == 0 {
		return nil, nil
	}
	parsed := make([]filter.Filter, 0, len(conditions))
	for _, c := range conditions {
		f, err := parseWhere(c)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, f)
	}
	if len(parsed) == 1 {
		return parsed[0], nil
	}
	return filter.And(parsed...), nil
}

// parseWhere parses a single condition like "age>28", "name=Alice",
// "done!=true", or "name LIKE %ali%".
func parseWhere(expr string) (filter.Filter, error) {
	for _, op := range []string{"!=", ">", "<", "="} {
		i := strings.Index(expr, op)
		if i <= 0 {
			continue
		}
		field := strings.TrimSpace(expr[:i])
		value := strings.TrimSpace(expr[i+len(op):])
		if (op == ">" || op == "<") && strings.HasPrefix(value, "=") {
			return nil, fmt.Errorf("operator %s= is not supported (use %s or =)", op, op)
		}
		return filter.Where(field, filter.Op(op), parseScalar(value)), nil
	}
	if parts := strings.SplitN(expr, " ", 3); len(parts) == 3 && strings.EqualFold(parts[1], "like") {
		return filter.Like(parts[0], parts[2]), nil
	}
	return nil, fmt.Errorf(`cannot parse condition %q (use field=value, field>n, field<n, field!=value, or "field LIKE pattern")`, expr)
}

// parseScalar interprets a condition value as a number or boolean where
// possible, keeping it a string otherwise.
func parseScalar(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

func runCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[cleanup] open store: %v", err)
	}
	defer store.Close()

	deleted, err := store.CleanupExpired(context.Background())
	if err != nil {
		log.Fatalf("[cleanup] %v", err)
	}
	fmt.Printf("deleted %s expired entries\n", humanize.Comma(deleted))
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[stats] open store: %v", err)
	}
	defer store.Close()

	st, err := store.Stats(context.Background())
	if err != nil {
		log.Fatalf("[stats] %v", err)
	}

	fmt.Printf("database: %s\n", cfg.DBPath)
	if info, err := os.Stat(cfg.DBPath); err == nil {
		fmt.Printf("size:     %s\n", humanize.Bytes(uint64(info.Size())))
	}
	fmt.Printf("table:    %s\n\n", store.Table())

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"TYPE", "COUNT"})
	for _, kind := range []string{"string", "number", "boolean", "json", "binary"} {
		if n, ok := st.ByType[kind]; ok {
			table.Append([]string{kind, humanize.Comma(n)})
		}
	}
	table.Render()

	fmt.Printf("\nlive:    %s\n", humanize.Comma(st.Total))
	fmt.Printf("expired: %s", humanize.Comma(st.Expired))
	if st.Expired > 0 {
		fmt.Printf("  (run: %s cleanup)", appName)
	}
	fmt.Println()
}

// formatScalar renders a value as a single line of text.
func formatScalar(v codec.Value) string {
	switch v.Kind {
	case codec.KindString:
		return v.Str
	case codec.KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case codec.KindBoolean:
		return strconv.FormatBool(v.Bool)
	case codec.KindJSON:
		return string(v.JSON)
	case codec.KindBinary:
		return fmt.Sprintf("<%s binary>", humanize.Bytes(uint64(len(v.Bytes))))
	}
	return ""
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// preview truncates s to max runes for table display.
func preview(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

package kv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sqlkv/sqlkv/internal/observability"
)

// DefaultTable is the table entries live in unless WithTable overrides it.
const DefaultTable = "kv_store"

// Store is the root session: a handle on the database that runs each
// operation in its own implicit transaction. Expiry-triggered deletes from
// reads finish in the background. Safe for concurrent use.
type Store struct {
	session

	sqlDB *sql.DB
	path  string

	mu     sync.Mutex
	closed bool
}

// Option configures Open.
type Option func(*config)

type config struct {
	table string
	log   *observability.Logger
	stats *observability.MetricsCollector
}

// WithTable stores entries in the named table instead of DefaultTable. The
// name must be a bare identifier.
func WithTable(name string) Option {
	return func(c *config) { c.table = name }
}

// WithLogger routes operation logs to l. The default discards them.
func WithLogger(l *observability.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics records operation latencies and counters into m.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(c *config) { c.stats = m }
}

// Open opens (or creates) a SQLite-backed store at path and ensures the
// schema exists. Use ":memory:" for an in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{table: DefaultTable}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = observability.Nop()
	}
	if cfg.stats == nil {
		cfg.stats = observability.NewMetricsCollector(0)
	}
	if err := checkTable(cfg.table); err != nil {
		return nil, err
	}

	memory := strings.Contains(path, ":memory:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if memory {
		// Every pooled connection to ":memory:" gets its own database; pin
		// the pool to one so all sessions see the same data.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema(cfg.table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger := cfg.log.WithComponent("store")
	logger.Debug("store opened", "path", path, "table", cfg.table)

	return &Store{
		session: session{
			db:    db,
			table: cfg.table,
			log:   logger,
			stats: cfg.stats,
		},
		sqlDB: db,
		path:  path,
	}, nil
}

var _ Session = (*Store)(nil)

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sqlDB.Close()
}

// Table returns the table name entries are stored in.
func (s *Store) Table() string { return s.table }

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Metrics returns the collector recording this store's operations.
func (s *Store) Metrics() *observability.MetricsCollector { return s.stats }

// DB exposes the underlying handle for maintenance queries (pragmas,
// integrity checks). Callers must not close it.
func (s *Store) DB() *sql.DB { return s.sqlDB }

// schema returns the DDL for the entry table and its expiry index. table has
// already passed checkTable.
func schema(table string) string {
	index := "idx_kv_expires"
	if table != DefaultTable {
		index = "idx_" + table + "_expires"
	}
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value_blob BLOB,
		value_text TEXT,
		value_type TEXT CHECK(value_type IN ('json', 'string', 'number', 'binary', 'boolean')),
		version    TEXT NOT NULL,
		expires_at INTEGER,
		created_at INTEGER DEFAULT (CAST(unixepoch('subsec') * 1000 AS INTEGER))
	);
	CREATE INDEX IF NOT EXISTS %s ON %s(expires_at);`, table, index, table)
}

// checkTable accepts bare SQL identifiers only. The table name is the one
// string interpolated into statements, so anything else is rejected outright.
func checkTable(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadTable)
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("%w: %q", ErrBadTable, name)
			}
		default:
			return fmt.Errorf("%w: %q", ErrBadTable, name)
		}
	}
	return nil
}

// dsn appends the default driver pragmas to path. A path that already
// carries query parameters, or an in-memory one, is used as given.
func dsn(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)"
}

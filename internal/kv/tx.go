package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/sqlkv/sqlkv/internal/codec"
)

// beginStatements maps each transaction mode to the statement that opens it.
// Write transactions take the write lock up front so they fail fast instead
// of deadlocking at the first write.
var beginStatements = map[TxMode]string{
	TxModeWrite:    "BEGIN IMMEDIATE",
	TxModeRead:     "BEGIN DEFERRED",
	TxModeDeferred: "BEGIN DEFERRED",
}

// Begin starts a transaction on a dedicated connection. An empty mode means
// TxModeWrite. The transaction sees its own uncommitted writes; nothing is
// visible to other sessions until Commit.
func (s *Store) Begin(ctx context.Context, mode TxMode) (*Tx, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if mode == "" {
		mode = TxModeWrite
	}
	stmt, ok := beginStatements[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadTxMode, mode)
	}

	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	s.stats.Increment("kv.tx_begin")

	return &Tx{
		ops: session{
			db:           conn,
			table:        s.table,
			awaitCleanup: true,
			log:          s.log.WithComponent("tx"),
			stats:        s.stats,
		},
		conn: conn,
		mode: mode,
	}, nil
}

// Tx is a transactional session. All operations run inside one database
// transaction; expiry-triggered deletes are awaited so later statements in
// the same transaction observe them. After Commit, Rollback, or Close the
// transaction is finished and every operation fails with ErrTxFinished.
type Tx struct {
	ops  session
	conn *sql.Conn
	mode TxMode

	mu   sync.Mutex
	done bool
}

var _ Session = (*Tx)(nil)

// Mode returns the mode the transaction was opened with.
func (t *Tx) Mode() TxMode { return t.mode }

// Commit makes the transaction's writes visible and releases its connection.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.finish(ctx, "COMMIT"); err != nil {
		return err
	}
	t.ops.stats.Increment("kv.tx_commit")
	t.ops.log.Debug("transaction committed", "mode", string(t.mode))
	return nil
}

// Rollback discards the transaction's writes and releases its connection.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.finish(ctx, "ROLLBACK"); err != nil {
		return err
	}
	t.ops.stats.Increment("kv.tx_rollback")
	t.ops.log.Debug("transaction rolled back", "mode", string(t.mode))
	return nil
}

// Close rolls the transaction back if it is still open. Closing a finished
// transaction is a no-op, so Close can be deferred alongside an explicit
// Commit.
func (t *Tx) Close() error {
	err := t.finish(context.Background(), "ROLLBACK")
	if errors.Is(err, ErrTxFinished) {
		return nil
	}
	if err != nil {
		return err
	}
	t.ops.stats.Increment("kv.tx_rollback")
	return nil
}

// finish ends the transaction exactly once. The connection is released on
// every path, including a failed COMMIT.
func (t *Tx) finish(ctx context.Context, verb string) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxFinished
	}
	t.done = true
	t.mu.Unlock()

	_, execErr := t.conn.ExecContext(ctx, verb)
	closeErr := t.conn.Close()
	if execErr != nil {
		return fmt.Errorf("%s: %w", verb, execErr)
	}
	if closeErr != nil {
		return fmt.Errorf("release connection: %w", closeErr)
	}
	return nil
}

// guard rejects operations on a finished transaction.
func (t *Tx) guard() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxFinished
	}
	return nil
}

// Get retrieves an entry by key. Returns (nil, nil) if absent or expired.
func (t *Tx) Get(ctx context.Context, key string) (*Entry, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.ops.Get(ctx, key)
}

// GetMany retrieves entries for all keys, preserving input order and length.
func (t *Tx) GetMany(ctx context.Context, keys []string) ([]*Entry, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.ops.GetMany(ctx, keys)
}

// Set stores a value under key, inserting or fully replacing the row.
func (t *Tx) Set(ctx context.Context, key string, value codec.Value, opts ...SetOption) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.ops.Set(ctx, key, value, opts...)
}

// Delete removes a key. Deleting an absent key is not an error.
func (t *Tx) Delete(ctx context.Context, key string) error {
	if err := t.guard(); err != nil {
		return err
	}
	return t.ops.Delete(ctx, key)
}

// CleanupExpired bulk-deletes every row whose deadline has passed.
func (t *Tx) CleanupExpired(ctx context.Context) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.ops.CleanupExpired(ctx)
}

// List returns live entries in key order, subject to opts.
func (t *Tx) List(ctx context.Context, opts ListOptions) ([]*Entry, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.ops.List(ctx, opts)
}

// Keys returns live keys with the given prefix in ascending order.
func (t *Tx) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.ops.Keys(ctx, prefix, limit)
}

// Count returns the number of live keys with the given prefix.
func (t *Tx) Count(ctx context.Context, prefix string) (int64, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.ops.Count(ctx, prefix)
}

// Stats summarizes the table.
func (t *Tx) Stats(ctx context.Context) (Stats, error) {
	if err := t.guard(); err != nil {
		return Stats{}, err
	}
	return t.ops.Stats(ctx)
}

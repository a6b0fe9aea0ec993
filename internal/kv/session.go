package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlkv/sqlkv/internal/codec"
	"github.com/sqlkv/sqlkv/internal/filter"
	"github.com/sqlkv/sqlkv/internal/observability"
)

// execer is the single seam between store operations and the database: one
// parameterized statement in, rows or a result out. *sql.DB satisfies it for
// the root session and *sql.Conn for transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// entryColumns is the select list every read uses, in scanEntry order.
const entryColumns = "key, value_blob, value_text, value_type, version, expires_at, created_at"

// session implements the shared operation set against an injected execer.
// The root store and transactions differ only in the executor they bind and
// in awaitCleanup.
type session struct {
	db    execer
	table string

	// awaitCleanup makes expiry-triggered deletes synchronous. Transactions
	// set it so reads stay consistent with the transaction's own writes; the
	// root session leaves it off and lets deletes finish in the background.
	awaitCleanup bool

	log   *observability.Logger
	stats *observability.MetricsCollector
}

// Get retrieves an entry by key. Returns (nil, nil) if absent or expired.
func (s *session) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	now := start.UnixMilli()
	defer func() {
		s.stats.ObserveOp("get", start)
		s.log.Op("get", key, time.Since(start))
	}()

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE key = ?", entryColumns, s.table),
		key,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	if e.expired(now) {
		if err := s.evictExpired(ctx, now, key); err != nil {
			return nil, fmt.Errorf("get %q: %w", key, err)
		}
		return nil, nil
	}
	return e, nil
}

// GetMany retrieves entries for all keys in one query, preserving input
// order and length. Absent and expired keys yield nil slots; duplicates each
// get their own slot.
func (s *session) GetMany(ctx context.Context, keys []string) ([]*Entry, error) {
	start := time.Now()
	now := start.UnixMilli()
	defer func() {
		s.stats.ObserveOp("get_many", start)
		s.log.Op("get_many", fmt.Sprintf("%d keys", len(keys)), time.Since(start))
	}()

	if len(keys) == 0 {
		return []*Entry{}, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE key IN (%s)",
		entryColumns, s.table, placeholders(len(keys)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	defer rows.Close()

	found := make(map[string]*Entry, len(keys))
	var expiredKeys []string
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("get many: %w", err)
		}
		if e.expired(now) {
			expiredKeys = append(expiredKeys, e.Key)
			continue
		}
		found[e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	// Release the rows before issuing the eviction; a transaction shares one
	// connection for both.
	rows.Close()

	if err := s.evictExpired(ctx, now, expiredKeys...); err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}

	out := make([]*Entry, len(keys))
	for i, k := range keys {
		if e, ok := found[k]; ok {
			cp := *e
			out[i] = &cp
		}
	}
	return out, nil
}

// Set stores a value under key, inserting or fully replacing the row. The
// version tag is regenerated on every write.
func (s *session) Set(ctx context.Context, key string, value codec.Value, opts ...SetOption) error {
	start := time.Now()
	now := start.UnixMilli()
	defer func() {
		s.stats.ObserveOp("set", start)
		s.log.Op("set", key, time.Since(start))
	}()

	var cfg setConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	enc, err := codec.Encode(value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	version, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("set %q: new version: %w", key, err)
	}
	var expiresAt sql.NullInt64
	if cfg.hasTTL {
		expiresAt = sql.NullInt64{Int64: now + cfg.ttl.Milliseconds(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value_blob, value_text, value_type, version, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_blob = excluded.value_blob,
			value_text = excluded.value_text,
			value_type = excluded.value_type,
			version    = excluded.version,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`, s.table),
		key, enc.Blob, enc.Text, enc.Type, version.String(), expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	s.stats.Record(observability.MetricRowsWritten, 1, observability.Labels{"op": "set"})
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *session) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		s.stats.ObserveOp("delete", start)
		s.log.Op("delete", key, time.Since(start))
	}()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table), key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// CleanupExpired bulk-deletes every row whose deadline has passed.
func (s *session) CleanupExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	now := start.UnixMilli()
	defer func() {
		s.stats.ObserveOp("cleanup", start)
	}()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?", s.table),
		now,
	)
	if err != nil {
		s.stats.Record(observability.MetricErrors, 1, observability.Labels{"op": "cleanup"})
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	if deleted > 0 {
		s.stats.IncrementBy("kv.expired_evicted", deleted)
		s.stats.Record(observability.MetricSweepDeleted, float64(deleted), nil)
		s.log.Debug("cleanup removed expired rows", "deleted", deleted)
	}
	return deleted, nil
}

// List returns live entries in key order, subject to opts. Expired rows are
// excluded against one "now" snapshot taken at call entry; list never
// triggers eviction.
func (s *session) List(ctx context.Context, opts ListOptions) ([]*Entry, error) {
	start := time.Now()
	now := start.UnixMilli()
	defer func() {
		s.stats.ObserveOp("list", start)
		s.log.Op("list", opts.Prefix, time.Since(start))
	}()

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE (expires_at IS NULL OR expires_at > ?)",
		entryColumns, s.table)
	args := []any{now}

	if opts.Prefix != "" {
		lo, hi, bounded := prefixRange(opts.Prefix)
		sb.WriteString(" AND key >= ?")
		args = append(args, lo)
		if bounded {
			sb.WriteString(" AND key < ?")
			args = append(args, hi)
		}
	}
	if opts.Where != nil {
		frag, fargs, err := filter.Compile(opts.Where)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		sb.WriteString(" AND (")
		sb.WriteString(frag)
		sb.WriteString(")")
		args = append(args, fargs...)
	}
	sb.WriteString(" ORDER BY key")
	if opts.Reverse {
		sb.WriteString(" DESC")
	}
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	s.stats.Record(observability.MetricRowsRead, float64(len(entries)), observability.Labels{"op": "list"})
	return entries, nil
}

// Keys returns live keys with the given prefix in ascending order. A
// non-positive limit returns all of them.
func (s *session) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	start := time.Now()
	now := start.UnixMilli()
	defer func() {
		s.stats.ObserveOp("keys", start)
	}()

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT key FROM %s WHERE (expires_at IS NULL OR expires_at > ?)", s.table)
	args := []any{now}
	if prefix != "" {
		lo, hi, bounded := prefixRange(prefix)
		sb.WriteString(" AND key >= ?")
		args = append(args, lo)
		if bounded {
			sb.WriteString(" AND key < ?")
			args = append(args, hi)
		}
	}
	sb.WriteString(" ORDER BY key")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("keys prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("keys prefix %q: %w", prefix, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Count returns the number of live keys with the given prefix.
func (s *session) Count(ctx context.Context, prefix string) (int64, error) {
	now := time.Now().UnixMilli()

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT COUNT(*) FROM %s WHERE (expires_at IS NULL OR expires_at > ?)", s.table)
	args := []any{now}
	if prefix != "" {
		lo, hi, bounded := prefixRange(prefix)
		sb.WriteString(" AND key >= ?")
		args = append(args, lo)
		if bounded {
			sb.WriteString(" AND key < ?")
			args = append(args, hi)
		}
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count prefix %q: %w", prefix, err)
	}
	return count, nil
}

// Stats summarizes the table in a single grouped query.
func (s *session) Stats(ctx context.Context) (Stats, error) {
	now := time.Now().UnixMilli()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT value_type,
		       CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END AS dead,
		       COUNT(*)
		FROM %s
		GROUP BY value_type, dead`, s.table),
		now,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	st := Stats{ByType: make(map[string]int64)}
	for rows.Next() {
		var typ sql.NullString
		var dead int
		var n int64
		if err := rows.Scan(&typ, &dead, &n); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
		if dead == 1 {
			st.Expired += n
			continue
		}
		st.Total += n
		st.ByType[typ.String] += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// evictExpired deletes rows observed expired by a read. The delete re-checks
// the deadline so it can never remove a row that was re-set meanwhile. With
// awaitCleanup the delete runs synchronously and its error propagates;
// otherwise it finishes in the background and failures are logged and
// dropped; the triggering read has already reported absence either way.
func (s *session) evictExpired(ctx context.Context, now int64, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE key IN (%s) AND expires_at IS NOT NULL AND expires_at <= ?",
		s.table, placeholders(len(keys)))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, now)

	if s.awaitCleanup {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("evict expired: %w", err)
		}
		s.stats.IncrementBy("kv.expired_evicted", int64(len(keys)))
		return nil
	}

	go func() {
		if _, err := s.db.ExecContext(context.WithoutCancel(ctx), query, args...); err != nil {
			s.stats.Record(observability.MetricErrors, 1, observability.Labels{"op": "evict"})
			s.log.Debug("background eviction failed", "keys", len(keys), "error", err)
			return
		}
		s.stats.IncrementBy("kv.expired_evicted", int64(len(keys)))
	}()
	return nil
}

// expired reports whether the entry's deadline has passed relative to the
// operation's "now" snapshot.
func (e *Entry) expired(now int64) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.UnixMilli() <= now
}

// scanEntry reads one result row into an Entry, running the payload through
// the codec. Decode failures carry the key for context.
func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		key       string
		blob      []byte
		text      sql.NullString
		typ       sql.NullString
		version   string
		expiresAt sql.NullInt64
		createdAt sql.NullInt64
	)
	if err := row.Scan(&key, &blob, &text, &typ, &version, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	value, err := codec.Decode(codec.Encoded{Blob: blob, Text: text, Type: typ})
	if err != nil {
		return nil, fmt.Errorf("decode key %q: %w", key, err)
	}
	e := &Entry{Key: key, Value: value, Version: version}
	if expiresAt.Valid {
		e.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	if createdAt.Valid {
		e.CreatedAt = time.UnixMilli(createdAt.Int64)
	}
	return e, nil
}

// prefixRange returns the key range [lo, hi) covering every key with the
// given byte prefix. bounded is false when no finite upper bound exists (the
// prefix is all 0xFF bytes).
func prefixRange(prefix string) (lo, hi string, bounded bool) {
	lo = prefix
	p := []byte(prefix)
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] != 0xFF {
			p[i]++
			return lo, string(p[:i+1]), true
		}
	}
	return lo, "", false
}

// placeholders returns n comma-joined SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

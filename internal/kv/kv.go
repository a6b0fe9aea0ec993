// Package kv provides a typed key-value store backed by a single SQLite
// table.
//
// Store is the root session over the live database; Tx is a transactional
// session over one open transaction. Both expose the same operation set --
// Get, GetMany, Set, Delete, CleanupExpired, List, Keys, Count, Stats --
// differing only in how eagerly they clean up expired rows.
//
// Expiration is lazy: a row whose deadline has passed is reported absent by
// every read, and reads opportunistically delete the expired rows they
// observe. The root session issues those deletes in the background and
// discards their errors; a transaction awaits them so that reads inside the
// transaction stay consistent with its own writes.
package kv

import (
	"context"
	"time"

	"github.com/sqlkv/sqlkv/internal/codec"
	"github.com/sqlkv/sqlkv/internal/filter"
)

// Entry is a stored key with its decoded value and version tag.
type Entry struct {
	Key       string      `json:"key"`
	Value     codec.Value `json:"value"`
	Version   string      `json:"version"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"` // Zero means no expiry.
	CreatedAt time.Time   `json:"created_at"`
}

// TxMode selects the locking strategy of a transactional session. It is
// passed through to the engine's BEGIN statement and never interpreted by
// the store logic itself.
type TxMode string

const (
	// TxModeWrite starts the transaction holding the write lock up front.
	TxModeWrite TxMode = "write"
	// TxModeRead starts a deferred transaction intended for reads only.
	TxModeRead TxMode = "read"
	// TxModeDeferred defers lock acquisition until the first statement.
	TxModeDeferred TxMode = "deferred"
)

// SetOption configures a single Set call.
type SetOption func(*setConfig)

type setConfig struct {
	ttl    time.Duration
	hasTTL bool
}

// WithTTL expires the key d after the write. A zero or negative d produces
// an already-expired row.
func WithTTL(d time.Duration) SetOption {
	return func(c *setConfig) {
		c.ttl = d
		c.hasTTL = true
	}
}

// ListOptions control a List call. The zero value lists every live entry in
// ascending key order.
type ListOptions struct {
	// Prefix restricts results to keys with this exact byte prefix. It is
	// not pattern syntax.
	Prefix string

	// Limit caps the number of returned entries after filtering and
	// ordering. Zero or negative means no cap.
	Limit int

	// Cursor is reserved for future pagination support. It is currently
	// ignored; no operation interprets it.
	Cursor string

	// Where filters entries holding JSON values by their top-level fields.
	// Entries of other kinds never match.
	Where filter.Filter

	// Reverse flips the ordering to descending by key.
	Reverse bool
}

// Stats summarizes table contents.
type Stats struct {
	Total   int64            `json:"total"`   // live rows
	Expired int64            `json:"expired"` // expired rows not yet swept
	ByType  map[string]int64 `json:"by_type"` // live rows per value type
}

// Session is the operation set shared by the root store and transactions.
type Session interface {
	// Get retrieves an entry by key. Returns (nil, nil) if absent or
	// expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetMany retrieves entries for all keys in one query. The result has
	// the same length and order as keys, with nil slots for absent or
	// expired keys. An empty input returns an empty result without touching
	// the database.
	GetMany(ctx context.Context, keys []string) ([]*Entry, error)

	// Set stores a value under key (upsert), replacing value, type, expiry,
	// and version wholesale.
	Set(ctx context.Context, key string, value codec.Value, opts ...SetOption) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CleanupExpired bulk-deletes every expired row and reports how many
	// went.
	CleanupExpired(ctx context.Context) (int64, error)

	// List returns live entries in key order, subject to opts.
	List(ctx context.Context, opts ListOptions) ([]*Entry, error)

	// Keys returns live keys with the given prefix, cheapest enumeration.
	// A non-positive limit returns all of them.
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)

	// Count returns the number of live keys with the given prefix.
	Count(ctx context.Context, prefix string) (int64, error)

	// Stats summarizes the table's contents.
	Stats(ctx context.Context) (Stats, error)
}

package kv

import "errors"

var (
	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("kv: store is closed")

	// ErrTxFinished reports any call on a transaction after it committed,
	// rolled back, or closed. Finished transactions are terminal, never
	// reusable.
	ErrTxFinished = errors.New("kv: transaction already finished")

	// ErrBadTxMode reports an unrecognized transaction mode.
	ErrBadTxMode = errors.New("kv: unknown transaction mode")

	// ErrBadTable reports a table name that is not a bare SQL identifier.
	ErrBadTable = errors.New("kv: invalid table name")
)

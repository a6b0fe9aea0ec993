package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sqlkv/sqlkv/internal/codec"
)

func TestBegin_DefaultMode(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	if tx.Mode() != TxModeWrite {
		t.Errorf("Mode = %q, want %q", tx.Mode(), TxModeWrite)
	}
}

func TestBegin_BadMode(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Begin(context.Background(), TxMode("snapshot"))
	if !errors.Is(err, ErrBadTxMode) {
		t.Errorf("err = %v, want ErrBadTxMode", err)
	}
}

func TestBegin_Modes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, mode := range []TxMode{TxModeWrite, TxModeRead, TxModeDeferred} {
		tx, err := s.Begin(ctx, mode)
		if err != nil {
			t.Fatalf("begin %s: %v", mode, err)
		}
		if tx.Mode() != mode {
			t.Errorf("Mode = %q, want %q", tx.Mode(), mode)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("rollback %s: %v", mode, err)
		}
	}
}

func TestTx_ReadYourWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	if err := tx.Set(ctx, "k1", codec.String("inside")); err != nil {
		t.Fatal(err)
	}

	// Visible inside the transaction.
	e, err := tx.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Value.Str != "inside" {
		t.Fatalf("tx.Get = %v, want the uncommitted write", e)
	}

	// Invisible outside until commit.
	outside, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if outside != nil {
		t.Error("uncommitted write visible outside the transaction")
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	outside, _ = s.Get(ctx, "k1")
	if outside == nil || outside.Value.Str != "inside" {
		t.Errorf("after commit Get = %v, want the committed write", outside)
	}
}

func TestTx_Rollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "keep", codec.String("stable"))

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx.Set(ctx, "discard", codec.String("gone"))
	tx.Delete(ctx, "keep")

	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	if e, _ := s.Get(ctx, "discard"); e != nil {
		t.Error("rolled-back write survived")
	}
	if e, _ := s.Get(ctx, "keep"); e == nil {
		t.Error("rolled-back delete was applied")
	}
}

func TestTx_TerminalAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	assertFinished(t, ctx, tx)

	if err := tx.Commit(ctx); !errors.Is(err, ErrTxFinished) {
		t.Errorf("second Commit = %v, want ErrTxFinished", err)
	}
	if err := tx.Rollback(ctx); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Rollback after Commit = %v, want ErrTxFinished", err)
	}
}

func TestTx_TerminalAfterRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, TxModeRead)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	assertFinished(t, ctx, tx)
}

func TestTx_Close_RollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx.Set(ctx, "k1", codec.String("v"))

	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}
	if e, _ := s.Get(ctx, "k1"); e != nil {
		t.Error("write survived Close")
	}

	assertFinished(t, ctx, tx)

	// Close is a no-op once finished, so it can sit in a defer.
	if err := tx.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestTx_Close_AfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx.Set(ctx, "k1", codec.String("v"))
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Close(); err != nil {
		t.Errorf("Close after Commit = %v, want nil", err)
	}

	if e, _ := s.Get(ctx, "k1"); e == nil {
		t.Error("committed write missing after Close")
	}
}

func TestTx_EvictionIsAwaited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "dead", codec.String("x"), WithTTL(-time.Minute))

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	e, err := tx.Get(ctx, "dead")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Fatal("expired entry should read as absent")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// The eviction ran inside the transaction, so the row is physically gone
	// as soon as it commits.
	var raw int64
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + s.Table() + " WHERE key = 'dead'").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != 0 {
		t.Errorf("raw rows = %d, want 0", raw)
	}
}

func TestTx_GetMany_Eviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "dead", codec.String("x"), WithTTL(-time.Minute))
	s.Set(ctx, "live", codec.String("y"))

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := tx.GetMany(ctx, []string{"dead", "live"})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0] != nil {
		t.Error("expired slot should be nil")
	}
	if entries[1] == nil || entries[1].Key != "live" {
		t.Errorf("entries[1] = %v, want live", entries[1])
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	var raw int64
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + s.Table()).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != 1 {
		t.Errorf("raw rows = %d, want 1", raw)
	}
}

func TestTx_EvictionCannotClobberRewrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "k1", codec.String("old"), WithTTL(-time.Minute))

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	if e, _ := tx.Get(ctx, "k1"); e != nil {
		t.Fatal("expired entry should read as absent")
	}
	// Re-set inside the same transaction after the eviction.
	if err := tx.Set(ctx, "k1", codec.String("new")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	e, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Value.Str != "new" {
		t.Errorf("Get = %v, want the re-set value", e)
	}
}

func TestTx_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	tx.Set(ctx, "b", codec.String("2"))
	tx.Set(ctx, "a", codec.String("1"))

	entries, err := tx.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Errorf("entries = %v, want [a b]", keysOf(entries))
	}
}

func TestTx_CleanupExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "dead", codec.String("x"), WithTTL(-time.Minute))

	tx, err := s.Begin(ctx, TxModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	deleted, err := tx.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// assertFinished checks that every operation on a finished transaction fails
// with ErrTxFinished.
func assertFinished(t *testing.T, ctx context.Context, tx *Tx) {
	t.Helper()

	if _, err := tx.Get(ctx, "k"); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Get = %v, want ErrTxFinished", err)
	}
	if _, err := tx.GetMany(ctx, []string{"k"}); !errors.Is(err, ErrTxFinished) {
		t.Errorf("GetMany = %v, want ErrTxFinished", err)
	}
	if err := tx.Set(ctx, "k", codec.String("v")); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Set = %v, want ErrTxFinished", err)
	}
	if err := tx.Delete(ctx, "k"); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Delete = %v, want ErrTxFinished", err)
	}
	if _, err := tx.CleanupExpired(ctx); !errors.Is(err, ErrTxFinished) {
		t.Errorf("CleanupExpired = %v, want ErrTxFinished", err)
	}
	if _, err := tx.List(ctx, ListOptions{}); !errors.Is(err, ErrTxFinished) {
		t.Errorf("List = %v, want ErrTxFinished", err)
	}
	if _, err := tx.Keys(ctx, "", 0); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Keys = %v, want ErrTxFinished", err)
	}
	if _, err := tx.Count(ctx, ""); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Count = %v, want ErrTxFinished", err)
	}
	if _, err := tx.Stats(ctx); !errors.Is(err, ErrTxFinished) {
		t.Errorf("Stats = %v, want ErrTxFinished", err)
	}
}

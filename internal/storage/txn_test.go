package storage

import (
	"context"
	"errors"
	"testing"
)

func TestTxnReadYourWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	_ = st.Apply(ctx, Batch{Writes: []Write{{Key: "q/1", Value: []byte("a")}, {Key: "q/3", Value: []byte("c")}}})

	tx := Begin(st)
	tx.Put("q/2", []byte("b"))
	tx.Delete("q/3")

	if v, ok, _ := tx.Get(ctx, "q/2"); !ok || string(v) != "b" {
		t.Fatalf("buffered put not visible")
	}
	if _, ok, _ := tx.Get(ctx, "q/3"); ok {
		t.Fatalf("buffered delete not visible")
	}
	kvs, err := tx.Scan(ctx, "q/")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(kvs) != 2 || kvs[0].Key != "q/1" || kvs[1].Key != "q/2" {
		t.Fatalf("merged scan: %+v", kvs)
	}

	// Nothing is visible outside until commit.
	if _, ok, _ := st.Get(ctx, "q/2"); ok {
		t.Fatalf("write leaked before commit")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "q/3"); ok {
		t.Fatalf("delete not applied")
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrTxnDone) {
		t.Fatalf("second commit: %v", err)
	}
}

func TestTxnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	_ = st.Apply(ctx, Batch{Writes: []Write{{Key: "n", Value: []byte("1")}}})

	a, b := Begin(st), Begin(st)
	_, _, _ = a.Get(ctx, "n")
	_, _, _ = b.Get(ctx, "n")
	a.Put("n", []byte("2"))
	b.Put("n", []byte("3"))

	if err := a.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := b.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTxnScanRecordsReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	_ = st.Apply(ctx, Batch{Writes: []Write{{Key: "s/1", Value: []byte("x")}}})

	tx := Begin(st)
	kvs, _ := tx.Scan(ctx, "s/")
	if len(kvs) != 1 {
		t.Fatalf("scan: %+v", kvs)
	}
	tx.Delete("s/1")
	// Someone else pops the same entry first.
	_ = st.Apply(ctx, Batch{Writes: []Write{{Key: "s/1", Delete: true}}})
	if err := tx.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

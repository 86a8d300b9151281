package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreUpsert(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, v := range []string{"1", "2"} {
		if err := store.Set(ctx, "nonce", v); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	val, ok, err := store.Get(ctx, "nonce")
	if err != nil || !ok || val != "2" {
		t.Fatalf("expected upserted value 2, got %q ok=%v err=%v", val, ok, err)
	}
}

func TestStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	if err := store.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
}

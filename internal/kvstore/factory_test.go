package kvstore

import (
	"context"
	"errors"
	"testing"
)

func TestBuildStoreMemory(t *testing.T) {
	store, err := BuildStore("memory://")
	if err != nil {
		t.Fatalf("build memory store failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}
}

func TestBuildStoreBadger(t *testing.T) {
	dir := t.TempDir()
	store, err := BuildStore("badger://" + dir)
	if err != nil {
		t.Fatalf("build badger store failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "source:s1", map[string]string{"id": "s1"}); err != nil {
		t.Fatalf("badger set failed: %v", err)
	}
	if _, err := store.Get(ctx, "source:s1"); err != nil {
		t.Fatalf("badger get failed: %v", err)
	}
}

func TestBuildStoreBadgerRequiresPath(t *testing.T) {
	if _, err := BuildStore("badger://"); err == nil {
		t.Fatalf("expected error for badger dsn without path")
	}
}

func TestBuildStorePostgres(t *testing.T) {
	store, err := BuildStore("postgres://localhost/blueprintsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to build lazily, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}
}

func TestBuildStoreUnsupported(t *testing.T) {
	if _, err := BuildStore("mysql://localhost/blueprintsync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildStore(""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestBuildStoreRegisteredFactoryWins(t *testing.T) {
	called := false
	RegisterFactory("testscheme", func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	store, err := BuildStore("testscheme://anything")
	if err != nil {
		t.Fatalf("registered factory failed: %v", err)
	}
	if store == nil || !called {
		t.Fatalf("expected registered factory to be invoked")
	}
}

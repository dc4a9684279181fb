package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// storeUnderTest builds each backend that can run without external services.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := NewBadgerStore(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open in-memory badger store failed: %v", err)
	}
	t.Cleanup(func() { _ = badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "source:missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for missing key, got %v", err)
			}
			record := map[string]any{"id": "s1", "name": "Welcome Banner"}
			if err := store.Set(ctx, "source:s1", record); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			raw, err := store.Get(ctx, "source:s1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("decode stored value failed: %v", err)
			}
			if decoded["name"] != "Welcome Banner" {
				t.Fatalf("expected stored name, got %+v", decoded)
			}
			if err := store.Delete(ctx, "source:s1"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := store.Get(ctx, "source:s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := store.Delete(ctx, "source:s1"); err != nil {
				t.Fatalf("expected delete of missing key to succeed, got %v", err)
			}
		})
	}
}

func TestStoreSetRawValuePassesThrough(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			raw := json.RawMessage(`{"b":2,"a":1}`)
			if err := store.Set(ctx, "raw:1", raw); err != nil {
				t.Fatalf("set raw failed: %v", err)
			}
			got, err := store.Get(ctx, "raw:1")
			if err != nil {
				t.Fatalf("get raw failed: %v", err)
			}
			if string(got) != `{"b":2,"a":1}` {
				t.Fatalf("expected raw value untouched, got %s", got)
			}
		})
	}
}

func TestStoreQueryPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seed := map[string]string{
				"embed:e1":         "one",
				"embed:e2":         "two",
				"deleted-embed:e3": "gone",
				"source:s1":        "src",
			}
			for key, value := range seed {
				if err := store.Set(ctx, key, map[string]string{"v": value}); err != nil {
					t.Fatalf("seed %s failed: %v", key, err)
				}
			}
			page, err := store.Query(ctx, "embed:", "", 10)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if len(page.Results) != 2 {
				t.Fatalf("expected 2 embed entries, got %d", len(page.Results))
			}
			for _, entry := range page.Results {
				if entry.Key != "embed:e1" && entry.Key != "embed:e2" {
					t.Fatalf("unexpected key in prefix query: %s", entry.Key)
				}
			}
			if page.NextCursor != nil {
				t.Fatalf("expected exhausted scan, got cursor %q", *page.NextCursor)
			}
		})
	}
}

func TestStoreQueryCursorPagination(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			const total = 25
			for i := 0; i < total; i++ {
				key := fmt.Sprintf("usage:s%03d", i)
				if err := store.Set(ctx, key, map[string]int{"i": i}); err != nil {
					t.Fatalf("seed %s failed: %v", key, err)
				}
			}
			seen := map[string]bool{}
			cursor := ""
			pages := 0
			for {
				page, err := store.Query(ctx, "usage:", cursor, 10)
				if err != nil {
					t.Fatalf("query page failed: %v", err)
				}
				pages++
				for _, entry := range page.Results {
					if seen[entry.Key] {
						t.Fatalf("key %s returned twice", entry.Key)
					}
					seen[entry.Key] = true
				}
				if page.NextCursor == nil {
					break
				}
				cursor = *page.NextCursor
				if pages > total {
					t.Fatalf("pagination did not terminate")
				}
			}
			if len(seen) != total {
				t.Fatalf("expected %d keys across pages, got %d", total, len(seen))
			}
			if pages != 3 {
				t.Fatalf("expected 3 pages of 10/10/5, got %d", pages)
			}
		})
	}
}

func TestStoreQueryOrdering(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"version:embed:e1:000003", "version:embed:e1:000001", "version:embed:e1:000002"} {
				if err := store.Set(ctx, key, map[string]string{"k": key}); err != nil {
					t.Fatalf("seed %s failed: %v", key, err)
				}
			}
			page, err := store.Query(ctx, "version:embed:e1:", "", 10)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if len(page.Results) != 3 {
				t.Fatalf("expected 3 entries, got %d", len(page.Results))
			}
			for i := 1; i < len(page.Results); i++ {
				if page.Results[i-1].Key >= page.Results[i].Key {
					t.Fatalf("results out of order: %s before %s", page.Results[i-1].Key, page.Results[i].Key)
				}
			}
		})
	}
}

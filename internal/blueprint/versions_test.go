package blueprint

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSaveVersionValidatesInput(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()
	value := json.RawMessage(`{"x":1}`)

	if _, err := fx.engine.saveVersion(ctx, "", "e1", value, "r", nil); err != ErrInvalidInput {
		t.Fatalf("empty store: err = %v", err)
	}
	if _, err := fx.engine.saveVersion(ctx, versionStoreEmbed, "", value, "r", nil); err != ErrInvalidInput {
		t.Fatalf("empty key: err = %v", err)
	}
	if _, err := fx.engine.saveVersion(ctx, versionStoreEmbed, "e1", nil, "r", nil); err != ErrInvalidInput {
		t.Fatalf("empty value: err = %v", err)
	}
}

func TestListVersionsOldestFirst(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	for _, reason := range []string{"first", "second", "third"} {
		value := json.RawMessage(`{"reason":"` + reason + `"}`)
		if _, err := fx.engine.saveVersion(ctx, versionStoreEmbed, "e1", value, reason, nil); err != nil {
			t.Fatalf("saveVersion %s: %v", reason, err)
		}
	}

	versions, err := fx.engine.ListVersions(ctx, versionStoreEmbed, "e1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("got %d versions, want 3", len(versions))
	}
	for i, want := range []string{"first", "second", "third"} {
		if versions[i].Reason != want {
			t.Fatalf("version %d reason = %q, want %q", i, versions[i].Reason, want)
		}
	}
}

func TestVersionRetentionPrunesOldest(t *testing.T) {
	fx := newTestEngine(t, func(o *Options) {
		p := DefaultPolicy()
		p.VersionRetention = 2
		o.Policy = p
	})
	ctx := context.Background()

	for _, reason := range []string{"a", "b", "c", "d"} {
		if _, err := fx.engine.saveVersion(ctx, versionStoreEmbed, "e1", json.RawMessage(`{}`), reason, nil); err != nil {
			t.Fatalf("saveVersion %s: %v", reason, err)
		}
	}
	// Close waits for the background pruning tasks.
	if err := fx.engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	versions, err := fx.engine.ListVersions(ctx, versionStoreEmbed, "e1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions after pruning, want 2", len(versions))
	}
	if versions[0].Reason != "c" || versions[1].Reason != "d" {
		t.Fatalf("pruning kept wrong snapshots: %q, %q", versions[0].Reason, versions[1].Reason)
	}
}

func TestRestoreVersionSnapshotsLiveValueFirst(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	old := json.RawMessage(`{"localId":"e1","notes":"old"}`)
	live := json.RawMessage(`{"localId":"e1","notes":"live"}`)
	saved, err := fx.engine.saveVersion(ctx, versionStoreEmbed, "e1", old, "update", nil)
	if err != nil {
		t.Fatalf("saveVersion: %v", err)
	}
	if err := fx.store.Set(ctx, embedKey("e1"), live); err != nil {
		t.Fatalf("seed live: %v", err)
	}

	restored, err := fx.engine.RestoreVersion(ctx, versionStoreEmbed, "e1", saved.VersionID)
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if restored.VersionID != saved.VersionID {
		t.Fatalf("restored %q, want %q", restored.VersionID, saved.VersionID)
	}

	raw, err := fx.store.Get(ctx, embedKey("e1"))
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	var embed Embed
	if err := json.Unmarshal(raw, &embed); err != nil {
		t.Fatalf("decode live: %v", err)
	}
	if embed.Notes != "old" {
		t.Fatalf("live record not rolled back: %+v", embed)
	}

	versions, err := fx.engine.ListVersions(ctx, versionStoreEmbed, "e1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	var preRestore bool
	for _, v := range versions {
		if v.Reason == "pre-restore" && v.Metadata["restoredVersionId"] == saved.VersionID {
			preRestore = true
		}
	}
	if !preRestore {
		t.Fatal("restore must snapshot the live value it overwrites")
	}
}

func TestRestoreVersionUnknownTargets(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.engine.RestoreVersion(ctx, "mystery", "e1", "v1"); err == nil {
		t.Fatal("unknown store must be rejected")
	}
	if _, err := fx.engine.RestoreVersion(ctx, versionStoreEmbed, "e1", "ghost"); err != ErrNotFound {
		t.Fatalf("missing version: err = %v, want ErrNotFound", err)
	}
}

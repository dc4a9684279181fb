package blueprint

import (
	"context"
	"fmt"
	"testing"
)

func seedUsageEntry(t *testing.T, fx *engineFixture, bucket string, placements ...Placement) {
	t.Helper()
	entry := UsageEntry{SourceID: bucket, Placements: placements}
	if err := fx.store.Set(context.Background(), usageKey(bucket), entry); err != nil {
		t.Fatalf("seed usage %s: %v", bucket, err)
	}
}

func seedEmbedConfig(t *testing.T, fx *engineFixture, embed Embed) {
	t.Helper()
	if err := fx.store.Set(context.Background(), embedKey(embed.LocalID), embed); err != nil {
		t.Fatalf("seed embed %s: %v", embed.LocalID, err)
	}
}

func TestCollectReferencesValidatesAndDedupes(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	// ghost sorts before s1/s2, so its row is walked first.
	seedUsageEntry(t, fx, "ghost", Placement{LocalID: "e9", PageID: "p9"})
	seedUsageEntry(t, fx, "s1",
		Placement{LocalID: "e1", SourceID: "s1", PageID: "p1"},
		Placement{LocalID: "e2", SourceID: "s1", PageID: "p2"},
		Placement{LocalID: "e3", SourceID: "s1", PageID: "p3"},
		Placement{LocalID: "edup", SourceID: "s1", PageID: "p4"},
	)
	seedUsageEntry(t, fx, "s2", Placement{LocalID: "edup", SourceID: "s2", PageID: "p5"})

	for _, id := range []string{"e1", "e3", "e9", "edup"} {
		seedEmbedConfig(t, fx, Embed{LocalID: id, SourceID: "s1"})
	}
	// e2 has no configuration record; e3 is already quarantined.
	if err := fx.store.Set(ctx, deletedEmbedKey("e3"), QuarantinedEmbed{Embed: Embed{LocalID: "e3"}}); err != nil {
		t.Fatalf("seed quarantine: %v", err)
	}

	known := map[string]struct{}{"s1": {}, "s2": {}}
	got, err := fx.engine.collectReferences(ctx, known)
	if err != nil {
		t.Fatalf("collectReferences: %v", err)
	}

	if !got.Complete {
		t.Fatal("scan under the page cap must report complete")
	}
	if len(got.All) != 6 {
		t.Fatalf("all = %d rows, want 6", len(got.All))
	}
	if len(got.OrphanedIndexEntries) != 1 || got.OrphanedIndexEntries[0].LocalID != "e9" {
		t.Fatalf("orphaned index entries = %+v", got.OrphanedIndexEntries)
	}

	var locals []string
	for _, ref := range got.Unique {
		locals = append(locals, ref.LocalID)
	}
	want := []string{"e9", "e1", "edup"}
	if len(locals) != len(want) {
		t.Fatalf("unique = %v, want %v", locals, want)
	}
	for i := range want {
		if locals[i] != want[i] {
			t.Fatalf("unique = %v, want %v", locals, want)
		}
	}
	// Last write wins for the duplicated local id.
	if got.Unique[2].IndexSourceID != "s2" || got.Unique[2].PageID != "p5" {
		t.Fatalf("dedup kept the wrong row: %+v", got.Unique[2])
	}
}

func TestCollectReferencesUnknownBucketStaysInWorkList(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	seedUsageEntry(t, fx, "gone", Placement{LocalID: "e1", SourceID: "gone", PageID: "p1"})
	seedEmbedConfig(t, fx, Embed{LocalID: "e1", SourceID: "gone"})

	got, err := fx.engine.collectReferences(ctx, map[string]struct{}{})
	if err != nil {
		t.Fatalf("collectReferences: %v", err)
	}
	if len(got.OrphanedIndexEntries) != 1 {
		t.Fatalf("orphaned index entries = %+v", got.OrphanedIndexEntries)
	}
	if len(got.Unique) != 1 {
		t.Fatal("a flagged row must still reach the processing phase")
	}
}

func TestCollectReferencesPartialAtPageCap(t *testing.T) {
	fx := newTestEngine(t, func(o *Options) {
		p := DefaultPolicy()
		p.MaxQueryPages = 1
		o.Policy = p
	})
	ctx := context.Background()

	// One more bucket than a single query page returns.
	for i := 0; i <= 100; i++ {
		bucket := fmt.Sprintf("s%03d", i)
		seedUsageEntry(t, fx, bucket, Placement{LocalID: fmt.Sprintf("e%03d", i), SourceID: bucket, PageID: "p1"})
	}

	got, err := fx.engine.collectReferences(ctx, map[string]struct{}{})
	if err != nil {
		t.Fatalf("collectReferences: %v", err)
	}
	if got.Complete {
		t.Fatal("capped scan must report incomplete")
	}
	if len(got.All) != 100 {
		t.Fatalf("all = %d rows, want the single page of 100", len(got.All))
	}
}

func TestCollectReferencesSkipsUndecodableEntries(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	if err := fx.store.Set(ctx, usageKey("bad"), "not an entry"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seedUsageEntry(t, fx, "s1", Placement{LocalID: "e1", SourceID: "s1", PageID: "p1"})
	seedEmbedConfig(t, fx, Embed{LocalID: "e1", SourceID: "s1"})

	got, err := fx.engine.collectReferences(ctx, map[string]struct{}{"s1": {}})
	if err != nil {
		t.Fatalf("collectReferences: %v", err)
	}
	if len(got.Unique) != 1 || got.Unique[0].LocalID != "e1" {
		t.Fatalf("unique = %+v", got.Unique)
	}
}

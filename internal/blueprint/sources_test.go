package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestCreateSourceAssignsIDAndIndex(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := fx.engine.CreateSource(ctx, Source{
		Name: "welcome banner",
		Body: docWith(paragraph("Hello {{name}}")),
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if created.ID == "" {
		t.Fatal("id was not assigned")
	}
	if created.ContentHash == "" {
		t.Fatal("content hash was not computed")
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("timestamps = %v / %v", created.CreatedAt, created.UpdatedAt)
	}

	got, err := fx.engine.GetSource(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.Name != "welcome banner" {
		t.Fatalf("round-trip name = %q", got.Name)
	}

	known, err := fx.engine.knownSourceIDs(ctx)
	if err != nil {
		t.Fatalf("knownSourceIDs: %v", err)
	}
	if _, ok := known[created.ID]; !ok {
		t.Fatalf("catalog does not list %s: %v", created.ID, known)
	}
}

func TestCreateSourceRequiresName(t *testing.T) {
	fx := newTestEngine(t, nil)
	if _, err := fx.engine.CreateSource(context.Background(), Source{Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateSourceRefusesLiveOverwrite(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.engine.CreateSource(ctx, Source{ID: "s1", Name: "first"}); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if _, err := fx.engine.CreateSource(ctx, Source{ID: "s1", Name: "second"}); !errors.Is(err, ErrLiveRecordExists) {
		t.Fatalf("err = %v, want ErrLiveRecordExists", err)
	}
}

func TestUpdateSourceVersionsPriorValue(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	created, err := fx.engine.CreateSource(ctx, Source{
		ID:   "s1",
		Name: "banner",
		Body: docWith(paragraph("v1")),
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	updated, err := fx.engine.UpdateSource(ctx, Source{
		ID:   "s1",
		Name: "banner",
		Body: docWith(paragraph("v2")),
	})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("CreatedAt changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("UpdatedAt did not advance: %v", updated.UpdatedAt)
	}
	if updated.ContentHash == created.ContentHash {
		t.Fatal("content hash did not change with the body")
	}

	versions, err := fx.engine.ListVersions(ctx, versionStoreSource, "s1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 || versions[0].Reason != "update" {
		t.Fatalf("versions = %+v, want one update snapshot", versions)
	}
	var prior Source
	if err := json.Unmarshal(versions[0].Value, &prior); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if prior.ContentHash != created.ContentHash {
		t.Fatalf("snapshot hash = %q, want pre-update %q", prior.ContentHash, created.ContentHash)
	}
}

func TestUpdateSourceUnknownID(t *testing.T) {
	fx := newTestEngine(t, nil)
	if _, err := fx.engine.UpdateSource(context.Background(), Source{ID: "ghost", Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSourceRefusedWhileInUse(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.engine.CreateSource(ctx, Source{ID: "s1", Name: "banner"}); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if _, err := fx.engine.SaveEmbed(ctx, Embed{LocalID: "e1", SourceID: "s1", PageID: "p1"}); err != nil {
		t.Fatalf("SaveEmbed: %v", err)
	}

	_, err := fx.engine.DeleteSource(ctx, "s1", DeleteOptions{DryRun: boolPtr(false)})
	if !errors.Is(err, ErrSourceInUse) {
		t.Fatalf("err = %v, want ErrSourceInUse", err)
	}
	if _, err := fx.engine.GetSource(ctx, "s1"); err != nil {
		t.Fatalf("refused delete must leave the source live: %v", err)
	}

	q, err := fx.engine.DeleteSource(ctx, "s1", DeleteOptions{DryRun: boolPtr(false), Force: true})
	if err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if !q.CanRecover {
		t.Fatalf("quarantine record = %+v", q)
	}
	if _, err := fx.engine.GetSource(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("live source survived forced delete: err = %v", err)
	}
	known, err := fx.engine.knownSourceIDs(ctx)
	if err != nil {
		t.Fatalf("knownSourceIDs: %v", err)
	}
	if _, ok := known["s1"]; ok {
		t.Fatal("catalog still lists the deleted source")
	}
}

func TestListSourcesPaginates(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := fx.engine.CreateSource(ctx, Source{ID: id, Name: "source " + id}); err != nil {
			t.Fatalf("CreateSource %s: %v", id, err)
		}
	}

	first, cursor, err := fx.engine.ListSources(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(first) != 2 || cursor == nil {
		t.Fatalf("first page = %d records, cursor = %v", len(first), cursor)
	}
	rest, cursor, err := fx.engine.ListSources(ctx, *cursor, 2)
	if err != nil {
		t.Fatalf("ListSources page 2: %v", err)
	}
	if len(rest) != 1 || cursor != nil {
		t.Fatalf("second page = %d records, cursor = %v", len(rest), cursor)
	}
	if first[0].ID != "s1" || rest[0].ID != "s3" {
		t.Fatalf("unexpected order: %q ... %q", first[0].ID, rest[0].ID)
	}
}

package archive

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sujitdhar014/image-processing-backend/internal/batch"
	"github.com/sujitdhar014/image-processing-backend/internal/imaging"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "nested", "archive.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sampleItems() []batch.Item {
	return []batch.Item{
		{
			Sequence:   2,
			Name:       "SKU2",
			SourceURLs: []string{"https://b/1.jpg"},
			Outputs:    []imaging.Outcome{{Err: errors.New("404")}},
		},
		{
			Sequence:   1,
			Name:       "SKU1",
			SourceURLs: []string{"https://a/1.jpg", "https://a/2.jpg"},
			Outputs:    []imaging.Outcome{{Ref: "images/j/1_0.jpg"}, {Ref: "images/j/1_1.jpg"}},
		},
	}
}

func TestRecordAndListItems(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	if err := a.RecordItems(ctx, "job-1", sampleItems()); err != nil {
		t.Fatalf("RecordItems returned error: %v", err)
	}

	entries, err := a.ListItems(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListItems returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Sequence != 1 || entries[1].Sequence != 2 {
		t.Fatalf("entries not ordered by sequence: %+v", entries)
	}
	if !reflect.DeepEqual(entries[0].OutputRefs, []string{"images/j/1_0.jpg", "images/j/1_1.jpg"}) {
		t.Fatalf("unexpected outputs: %#v", entries[0].OutputRefs)
	}
	if !reflect.DeepEqual(entries[1].OutputRefs, []string{imaging.FailureMarker}) || entries[1].FailedImages != 1 {
		t.Fatalf("unexpected failed entry: %+v", entries[1])
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
}

func TestRecordItemsIsIdempotent(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := a.RecordItems(ctx, "job-1", sampleItems()); err != nil {
			t.Fatalf("RecordItems #%d returned error: %v", i, err)
		}
	}
	entries, err := a.ListItems(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListItems returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after rerun, got %d", len(entries))
	}
}

func TestListItemsUnknownJob(t *testing.T) {
	a := openTestArchive(t)

	entries, err := a.ListItems(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("ListItems returned error: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", entries)
	}
}

func TestPrune(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return past }
	if err := a.RecordItems(ctx, "old", sampleItems()); err != nil {
		t.Fatalf("RecordItems returned error: %v", err)
	}
	a.now = time.Now
	if err := a.RecordItems(ctx, "new", sampleItems()); err != nil {
		t.Fatalf("RecordItems returned error: %v", err)
	}

	removed, err := a.Prune(ctx, past.Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if entries, _ := a.ListItems(ctx, "new"); len(entries) != 2 {
		t.Fatalf("recent entries were pruned: %+v", entries)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := a.RecordItems(context.Background(), "job-1", sampleItems()); err != nil {
		t.Fatalf("RecordItems returned error: %v", err)
	}
	_ = a.Close()

	b, err := Open(path)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer b.Close()
	entries, err := b.ListItems(context.Background(), "job-1")
	if err != nil || len(entries) != 2 {
		t.Fatalf("unexpected entries after reopen: %v %+v", err, entries)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

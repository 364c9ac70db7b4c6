package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndOpen(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	ref, err := store.Save(context.Background(), "images/job-1/1_0.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if ref != "images/job-1/1_0.jpg" {
		t.Fatalf("unexpected ref: %s", ref)
	}

	f, err := store.Open(context.Background(), "images/job-1/1_0.jpg")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(data) != "jpeg" {
		t.Fatalf("unexpected content: %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(root, "images", "job-1"))
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestSaveOverwritesSameKey(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Save(ctx, "results/job.csv", []byte("first")); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	if _, err := store.Save(ctx, "results/job.csv", []byte("second")); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	f, err := store.Open(ctx, "results/job.csv")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "second" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestRefWithBaseURL(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "https://cdn.example.com/assets/")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	if got := store.Ref("images/a/1_0.jpg"); got != "https://cdn.example.com/assets/images/a/1_0.jpg" {
		t.Fatalf("unexpected ref: %s", got)
	}
}

func TestKeysStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	if _, err := store.Save(context.Background(), "../../escape.txt", []byte("x")); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err != nil {
		t.Fatalf("expected file to be stored under root: %v", err)
	}

	if _, err := store.Save(context.Background(), "/", []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestOpenMissing(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	if _, err := store.Open(context.Background(), "nope.csv"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if err := store.Delete(context.Background(), "nope.csv"); err != nil {
		t.Fatalf("Delete of missing key should succeed, got %v", err)
	}
}

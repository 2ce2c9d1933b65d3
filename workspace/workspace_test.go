package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"tangled.org/loom/models"
)

func testJobId() models.JobId {
	return models.JobId{Run: models.RunId("run"), Idx: 0, Toolchain: "stable"}
}

func TestPrepareEmptySource(t *testing.T) {
	m := New(context.Background(), t.TempDir(), Source{})

	dir, err := m.Prepare(context.Background(), testJobId())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading workspace: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty workspace, found %d entries", len(entries))
	}
}

func TestPrepareCopiesSourceDir(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "pkg", "lib.go"), []byte("package pkg\n"), 0600); err != nil {
		t.Fatal(err)
	}

	m := New(context.Background(), t.TempDir(), Source{Dir: src})

	dir, err := m.Prepare(context.Background(), testJobId())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if string(got) != "package main\n" {
		t.Errorf("unexpected content %q", got)
	}

	info, err := os.Stat(filepath.Join(dir, "pkg", "lib.go"))
	if err != nil {
		t.Fatalf("stat nested file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestPrepareSkipsOwnBase(t *testing.T) {
	// The workspace base lives inside the source dir here, so a copy
	// that does not skip it would recurse into its own output.
	src := t.TempDir()
	base := filepath.Join(src, ".loom")
	if err := os.MkdirAll(base, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "file"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	m := New(context.Background(), base, Source{Dir: src})

	dir, err := m.Prepare(context.Background(), testJobId())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "file")); err != nil {
		t.Errorf("expected copied file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".loom")); !os.IsNotExist(err) {
		t.Errorf("base dir leaked into workspace")
	}
}

func TestRemove(t *testing.T) {
	m := New(context.Background(), t.TempDir(), Source{})

	id := testJobId()
	dir, err := m.Prepare(context.Background(), id)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if err := m.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace still present after remove")
	}
}

func TestDirIsPerJob(t *testing.T) {
	m := New(context.Background(), "/tmp/base", Source{})

	a := m.Dir(models.JobId{Run: "r", Idx: 0, Toolchain: "stable"})
	b := m.Dir(models.JobId{Run: "r", Idx: 1, Toolchain: "stable"})
	if a == b {
		t.Errorf("jobs share a workspace: %s", a)
	}
}

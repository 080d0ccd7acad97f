package workspace_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/conveyor-ci/conveyor/pkg/workspace"
)

func newStore(t *testing.T) *workspace.Store {
	t.Helper()
	s, err := workspace.NewStore(t.TempDir(), "run-1", nil)
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	return s
}

func TestWriteAndRead(t *testing.T) {
	s := newStore(t)

	content := []byte("build output v1")
	if err := s.Write("build", "dist/app.js", content); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	got, err := s.Read("dist/app.js")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("read-after-publish mismatch: %q", got)
	}

	if producer := s.Producer("dist/app.js"); producer != "build" {
		t.Errorf("expected producer build, got %q", producer)
	}
}

func TestRead_UnpublishedPath(t *testing.T) {
	s := newStore(t)

	_, err := s.Read("dist/app.js")
	if err == nil {
		t.Fatal("expected error reading unpublished path, got nil")
	}

	var nferr *workspace.NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
	if nferr.Path != "dist/app.js" {
		t.Errorf("expected offending path in error, got %q", nferr.Path)
	}
}

func TestPublish_Directory(t *testing.T) {
	s := newStore(t)

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Publish("build", "dist", src); err != nil {
		t.Fatalf("failed to publish directory: %v", err)
	}

	dest := t.TempDir()
	if err := s.Materialize("dist", dest); err != nil {
		t.Fatalf("failed to materialize: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "dist", "sub", "a.txt"))
	if err != nil {
		t.Fatalf("materialized tree incomplete: %v", err)
	}
	if string(data) != "a" {
		t.Errorf("materialized content mismatch: %q", data)
	}
}

func TestMaterialize_UnpublishedPath(t *testing.T) {
	s := newStore(t)

	err := s.Materialize("dist", t.TempDir())
	var nferr *workspace.NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestList_Sorted(t *testing.T) {
	s := newStore(t)

	s.Write("b-job", "zz.txt", []byte("z"))
	s.Write("a-job", "aa.txt", []byte("a"))

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(list))
	}
	if list[0].Path != "aa.txt" || list[1].Path != "zz.txt" {
		t.Errorf("expected sorted paths, got %v", list)
	}
}

func TestArchiveAndTeardown(t *testing.T) {
	s := newStore(t)
	s.Write("build", "dist/app.js", []byte("bundle"))

	archive := filepath.Join(t.TempDir(), "archived")
	if err := s.Archive(archive); err != nil {
		t.Fatalf("failed to archive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(archive, "dist", "app.js"))
	if err != nil {
		t.Fatalf("archive incomplete: %v", err)
	}
	if string(data) != "bundle" {
		t.Errorf("archived content mismatch: %q", data)
	}

	if err := s.Teardown(); err != nil {
		t.Fatalf("failed to tear down: %v", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Error("workspace directory must be gone after teardown")
	}
}

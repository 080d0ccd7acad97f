package cache_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/cache"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

func newStore(t *testing.T) *cache.DiskStore {
	t.Helper()
	s, err := cache.NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create cache store: %v", err)
	}
	return s
}

func writeTree(t *testing.T, base string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(base, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

var rc = types.RunContext{
	RunID:       "run-1",
	Branch:      "main",
	Commit:      "abc123",
	BuildNumber: 7,
}

func TestExpandKey(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"deps-{{ branch }}", "deps-main"},
		{"deps-{{branch}}-{{ commit }}", "deps-main-abc123"},
		{"build-{{ build }}", "build-7"},
		{"ref-{{ ref }}", "ref-main"},
		{"static", "static"},
	}

	for _, tt := range tests {
		got, err := cache.ExpandKey(tt.template, rc)
		if err != nil {
			t.Errorf("ExpandKey(%q): %v", tt.template, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ExpandKey(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestExpandKey_UnknownPlaceholder(t *testing.T) {
	if _, err := cache.ExpandKey("deps-{{ bogus }}", rc); err == nil {
		t.Error("expected error for unknown placeholder, got nil")
	}
}

func TestExpandKey_Deterministic(t *testing.T) {
	first, err := cache.ExpandKey("deps-{{ branch }}-{{ commit }}", rc)
	if err != nil {
		t.Fatalf("ExpandKey: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := cache.ExpandKey("deps-{{ branch }}-{{ commit }}", rc)
		if err != nil {
			t.Fatalf("ExpandKey: %v", err)
		}
		if got != first {
			t.Fatalf("same context produced different keys: %q vs %q", got, first)
		}
	}
}

func TestSaveAndResolve_PrimaryKey(t *testing.T) {
	s := newStore(t)

	workDir := t.TempDir()
	writeTree(t, workDir, map[string]string{"node_modules/pkg/index.js": "module"})

	binding := types.CacheBinding{
		Key:   "deps-{{ branch }}-{{ commit }}",
		Paths: []string{"node_modules"},
	}

	if err := s.Save(binding, rc, workDir); err != nil {
		t.Fatalf("failed to save cache: %v", err)
	}

	entry, err := s.Resolve(binding, rc)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if entry == nil {
		t.Fatal("expected exact hit on primary key, got miss")
	}
	if entry.Key != "deps-main-abc123" {
		t.Errorf("expected primary key, got %q", entry.Key)
	}

	dest := t.TempDir()
	if err := s.Restore(entry, dest); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "node_modules/pkg/index.js"))
	if err != nil {
		t.Fatalf("restored tree incomplete: %v", err)
	}
	if string(data) != "module" {
		t.Errorf("restored content mismatch: %q", data)
	}
}

func TestResolve_FullMissIsNotAnError(t *testing.T) {
	s := newStore(t)

	entry, err := s.Resolve(types.CacheBinding{
		Key:         "deps-{{ branch }}",
		RestoreKeys: []string{"deps-"},
		Paths:       []string{"node_modules"},
	}, rc)
	if err != nil {
		t.Fatalf("full miss must not error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry on full miss, got %v", entry)
	}
}

func TestResolve_FirstFallbackWithMatchWins(t *testing.T) {
	s := newStore(t)
	workDir := t.TempDir()
	writeTree(t, workDir, map[string]string{"out/a.txt": "a"})

	// Stored under a develop-branch key only
	developRC := types.RunContext{RunID: "r0", Branch: "develop", Commit: "def456"}
	save := types.CacheBinding{Key: "deps-v1-{{ branch }}-{{ commit }}", Paths: []string{"out"}}
	if err := s.Save(save, developRC, workDir); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	// The main-branch run misses its primary key and its first fallback,
	// then hits the broader prefix.
	binding := types.CacheBinding{
		Key: "deps-v1-{{ branch }}-{{ commit }}",
		RestoreKeys: []string{
			"deps-v1-{{ branch }}-",
			"deps-v1-",
		},
		Paths: []string{"out"},
	}

	entry, err := s.Resolve(binding, rc)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if entry == nil {
		t.Fatal("expected fallback hit, got miss")
	}
	if entry.Key != "deps-v1-develop-def456" {
		t.Errorf("expected develop entry via broad prefix, got %q", entry.Key)
	}
}

func TestResolve_FallbackOrderBeatsCloseness(t *testing.T) {
	s := newStore(t)
	workDir := t.TempDir()
	writeTree(t, workDir, map[string]string{"out/a.txt": "a"})

	// Seed two entries: one under an "exact-ish" key a later fallback would
	// prefer, one under the first fallback's prefix.
	seedA := types.RunContext{RunID: "r0", Branch: "main", Commit: "old111"}
	if err := s.Save(types.CacheBinding{Key: "deps-v1-{{ branch }}-{{ commit }}", Paths: []string{"out"}}, seedA, workDir); err != nil {
		t.Fatalf("seed: %v", err)
	}

	binding := types.CacheBinding{
		Key: "deps-v1-{{ branch }}-{{ commit }}",
		RestoreKeys: []string{
			"deps-v1-",           // declared first: broad
			"deps-v1-{{ branch }}-", // declared second: closer
		},
		Paths: []string{"out"},
	}

	// Current run has a different commit, so the primary key misses
	entry, err := s.Resolve(binding, rc)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if entry == nil {
		t.Fatal("expected hit via first declared fallback")
	}
	// The first declared fallback has a match, so it wins even though the
	// second fallback's prefix is more specific.
	if entry.Key != "deps-v1-main-old111" {
		t.Errorf("unexpected entry %q", entry.Key)
	}
}

func TestSave_LastWriteWins(t *testing.T) {
	s := newStore(t)

	first := t.TempDir()
	writeTree(t, first, map[string]string{"out/version.txt": "one"})
	second := t.TempDir()
	writeTree(t, second, map[string]string{"out/version.txt": "two"})

	binding := types.CacheBinding{Key: "static-key", Paths: []string{"out"}}

	if err := s.Save(binding, rc, first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.Save(binding, rc, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	entry, err := s.Resolve(binding, rc)
	if err != nil || entry == nil {
		t.Fatalf("resolve after overwrite: entry=%v err=%v", entry, err)
	}

	dest := t.TempDir()
	if err := s.Restore(entry, dest); err != nil {
		t.Fatalf("restore: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "out/version.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("expected last write to win, got %q", data)
	}

	if keys := s.Keys(); len(keys) != 1 {
		t.Errorf("expected single key after overwrite, got %v", keys)
	}
}

func TestSave_MissingPathSkipped(t *testing.T) {
	s := newStore(t)
	workDir := t.TempDir()
	writeTree(t, workDir, map[string]string{"present/a.txt": "a"})

	binding := types.CacheBinding{
		Key:   "mixed-key",
		Paths: []string{"present", "absent"},
	}
	if err := s.Save(binding, rc, workDir); err != nil {
		t.Fatalf("save with missing path must not error: %v", err)
	}

	entry, err := s.Resolve(binding, rc)
	if err != nil || entry == nil {
		t.Fatalf("resolve: entry=%v err=%v", entry, err)
	}
}

func TestIndex_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	workDir := t.TempDir()
	writeTree(t, workDir, map[string]string{"out/a.txt": "a"})

	binding := types.CacheBinding{Key: "persist-key", Paths: []string{"out"}}

	s, err := cache.NewDiskStore(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(binding, rc, workDir); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _ := s.Resolve(binding, rc)
	if saved == nil {
		t.Fatal("expected hit before reopen")
	}

	reopened, err := cache.NewDiskStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entry, err := reopened.Resolve(binding, rc)
	if err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
	if entry == nil || entry.Key != "persist-key" {
		t.Errorf("index did not survive reopen: %v", entry)
	}
	if entry.StoredAt.IsZero() || time.Since(entry.StoredAt) > time.Minute {
		t.Errorf("implausible StoredAt: %v", entry.StoredAt)
	}
}
